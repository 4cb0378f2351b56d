package naming

import "testing"

func TestEncodeResourceName(t *testing.T) {
	tests := []struct {
		name      string
		ownerName string
		ownerID   int
		vmID      string
		want      string
	}{
		{
			name:      "plain owner",
			ownerName: "acme",
			ownerID:   42,
			vmID:      "vm123",
			want:      "acme-42-vm123",
		},
		{
			name:      "owner with spaces and symbols",
			ownerName: "Acme Corp, Inc.",
			ownerID:   7,
			vmID:      "abc",
			want:      "AcmeCorpInc-7-abc",
		},
		{
			name:      "owner with dashes",
			ownerName: "north-wind",
			ownerID:   1,
			vmID:      "x",
			want:      "northwind-1-x",
		},
		{
			name:      "owner entirely stripped",
			ownerName: "!!!",
			ownerID:   3,
			vmID:      "y",
			want:      "-3-y",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeResourceName(tt.ownerName, tt.ownerID, tt.vmID)
			if got != tt.want {
				t.Errorf("EncodeResourceName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseResourceName(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantOwnerID int
		wantVMID    string
		wantOK      bool
	}{
		{
			name:        "valid",
			input:       "acme-42-vm123",
			wantOwnerID: 42,
			wantVMID:    "vm123",
			wantOK:      true,
		},
		{
			name:   "two segments",
			input:  "acme-42",
			wantOK: false,
		},
		{
			name:   "four segments",
			input:  "acme-corp-42-vm123",
			wantOK: false,
		},
		{
			name:   "non-numeric owner id",
			input:  "acme-forty-vm123",
			wantOK: false,
		},
		{
			name:   "unmanaged vm name",
			input:  "pfsense",
			wantOK: false,
		},
		{
			name:   "empty",
			input:  "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ownerID, vmID, ok := ParseResourceName(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ParseResourceName(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ownerID != tt.wantOwnerID {
				t.Errorf("ownerID = %d, want %d", ownerID, tt.wantOwnerID)
			}
			if vmID != tt.wantVMID {
				t.Errorf("vmID = %q, want %q", vmID, tt.wantVMID)
			}
		})
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	name := EncodeResourceName("Acme Corp", 42, "vm123")
	ownerID, vmID, ok := ParseResourceName(name)
	if !ok {
		t.Fatalf("ParseResourceName(%q) ok = false", name)
	}
	if ownerID != 42 {
		t.Errorf("ownerID = %d, want 42", ownerID)
	}
	if vmID != "vm123" {
		t.Errorf("vmID = %q, want %q", vmID, "vm123")
	}
}
