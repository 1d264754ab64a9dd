package notify

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFanoutZeroValueKeepsRegistrationOrder(t *testing.T) {
	var f Fanout[int]
	var got []string

	f.Subscribe(func(v int) { got = append(got, "a") })
	unsubscribe := f.Subscribe(func(v int) { got = append(got, "b") })
	f.Subscribe(func(v int) { got = append(got, "c") })

	unsubscribe()
	unsubscribe()

	for _, fn := range f.Subscribers() {
		fn(1)
	}
	if diff := cmp.Diff([]string{"a", "c"}, got); diff != "" {
		t.Errorf("Delivery mismatch (-want +got):\n%s", diff)
	}
	if f.Len() != 2 {
		t.Errorf("Expected 2 subscribers, got %d", f.Len())
	}
}
