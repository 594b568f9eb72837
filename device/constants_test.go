package device

import "testing"

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateAttached, "Attached"},
		{StatePowered, "Powered"},
		{StateDefault, "Default"},
		{StateAddress, "Address"},
		{StateConfigured, "Configured"},
		{State(99), "Unknown State (99)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState_Ordering(t *testing.T) {
	// Lifecycle comparisons rely on the state values being ordered.
	if !(StateAttached < StatePowered && StatePowered < StateDefault &&
		StateDefault < StateAddress && StateAddress < StateConfigured) {
		t.Error("device states are not ordered")
	}
}

func TestRequestResult_String(t *testing.T) {
	tests := []struct {
		result RequestResult
		want   string
	}{
		{Receive, "Receive"},
		{Send, "Send"},
		{Success, "Success"},
		{Failure, "Failure"},
		{PassThrough, "PassThrough"},
		{RequestResult(99), "Unknown Result (99)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.result.String(); got != tt.want {
				t.Errorf("RequestResult.String() = %v, want %v", got, tt.want)
			}
		})
	}
}
