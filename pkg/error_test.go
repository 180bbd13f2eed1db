package pkg

import (
	"errors"
	"testing"
)

func TestTransferStatus(t *testing.T) {
	tests := []struct {
		status   TransferStatus
		wantName string
		wantErr  error
	}{
		{TransferStatusSuccess, "success", nil},
		{TransferStatusError, "error", ErrProtocol},
		{TransferStatusStall, "stall", ErrStall},
		{TransferStatusTimeout, "timeout", ErrTimeout},
		{TransferStatusCancelled, "cancelled", ErrCancelled},
		{TransferStatusOverrun, "overrun", ErrOverrun},
		{TransferStatus(42), "unknown", ErrProtocol},
		{TransferStatus(-1), "unknown", ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			if got := tt.status.String(); got != tt.wantName {
				t.Errorf("String() = %q, want %q", got, tt.wantName)
			}
			err := tt.status.Error()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Error() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Error() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSentinelsDistinct(t *testing.T) {
	all := []error{
		ErrStall, ErrTimeout, ErrCancelled, ErrOverrun, ErrProtocol, ErrBusy,
		ErrNotConfigured, ErrInvalidEndpoint, ErrInvalidRequest, ErrInvalidParameter,
		ErrAlreadyRunning, ErrNotRunning,
		ErrInvalidCBW, ErrInvalidCSW, ErrCommandFailed, ErrPhaseError,
	}
	seen := make(map[string]bool)
	for i, a := range all {
		if seen[a.Error()] {
			t.Errorf("duplicate message %q", a.Error())
		}
		seen[a.Error()] = true
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Errorf("%v matches %v", a, b)
			}
		}
	}
}
