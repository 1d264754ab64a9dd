package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestIsFollowsWrapChain(t *testing.T) {
	base := Storage("failed to put entry", stderrors.New("disk full"))
	wrapped := fmt.Errorf("enqueue: %w", base)

	if !Is(wrapped, ErrStorage) {
		t.Errorf("Expected wrapped error to carry %s", ErrStorage)
	}
	if Is(wrapped, ErrRemoteRejected) {
		t.Errorf("Did not expect %s", ErrRemoteRejected)
	}
	if CodeOf(wrapped) != ErrStorage {
		t.Errorf("Expected code %s, got %s", ErrStorage, CodeOf(wrapped))
	}
	if Is(stderrors.New("plain"), ErrStorage) {
		t.Error("Plain errors carry no code")
	}
}

func TestRejectedCarriesStatus(t *testing.T) {
	err := fmt.Errorf("close task: %w", Rejected(404, "task not found"))

	if StatusOf(err) != 404 {
		t.Errorf("Expected status 404, got %d", StatusOf(err))
	}
	want := "close task: [REMOTE_REJECTED] task not found (status 404)"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
