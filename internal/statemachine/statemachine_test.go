package statemachine

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{Requested, Provisioning, true},
		{Requested, Failed, true},
		{Requested, Ready, false},
		{Provisioning, Ready, true},
		{Provisioning, Failed, true},
		{Provisioning, Deleting, false},
		{Ready, Deleting, true},
		{Ready, Provisioning, false},
		{Failed, Requested, true},
		{Failed, Deleting, true},
		{Failed, Ready, false},
		{Deleting, Deleted, true},
		{Deleting, Failed, true},
		{Deleting, Ready, false},
		{Deleted, Requested, false},
		{Deleted, Deleted, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(Requested, Provisioning); err != nil {
		t.Errorf("Validate(Requested, Provisioning) returned error: %v", err)
	}
	if err := Validate(Requested, Ready); err == nil {
		t.Error("Validate(Requested, Ready) should have returned an error")
	}
}

func TestCanDelete(t *testing.T) {
	tests := []struct {
		status   Status
		wantOK   bool
	}{
		{Ready, true},
		{Failed, true},
		{Requested, false},
		{Provisioning, false},
		{Deleting, false},
		{Deleted, false},
	}

	for _, tt := range tests {
		ok, reason := CanDelete(tt.status)
		if ok != tt.wantOK {
			t.Errorf("CanDelete(%s) = %v, want %v", tt.status, ok, tt.wantOK)
		}
		if !ok && reason == "" {
			t.Errorf("CanDelete(%s) returned no reason for disallowed deletion", tt.status)
		}
	}
}

func TestCanRetry(t *testing.T) {
	if !CanRetry(Failed) {
		t.Error("CanRetry(Failed) should be true")
	}
	for _, s := range []Status{Requested, Provisioning, Ready, Deleting, Deleted} {
		if CanRetry(s) {
			t.Errorf("CanRetry(%s) should be false", s)
		}
	}
}

func TestInProgressAndActiveSets(t *testing.T) {
	if !InProgress[Requested] || !InProgress[Provisioning] || !InProgress[Deleting] {
		t.Error("InProgress should include requested, provisioning, deleting")
	}
	if InProgress[Ready] || InProgress[Failed] || InProgress[Deleted] {
		t.Error("InProgress should not include ready, failed, deleted")
	}
	if !Terminal[Deleted] || Terminal[Failed] {
		t.Error("Terminal should contain only deleted")
	}
	if !Active[Ready] || Active[Deleted] {
		t.Error("Active should contain ready but not deleted")
	}
}
