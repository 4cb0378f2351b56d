package install

import (
	"errors"
	"fmt"
)

// ErrInvalidOptions wraps every Options validation failure so callers
// can distinguish a malformed request from a pipeline error.
var ErrInvalidOptions = errors.New("invalid install options")

// Options are the caller-supplied install parameters.
type Options struct {
	TemplateID string
	Username   string
	Password   string
	SSHKeyIDs  []string

	// AllowPasswordAuth enables SSH password authentication in the
	// generated cloud-init document.
	AllowPasswordAuth bool

	// PasswordlessSudo grants NOPASSWD sudo to the created account.
	PasswordlessSudo bool
}

// Validate checks the request shape. Everything that needs external
// lookups (template existence, key resolution) happens inside the
// pipeline where it can be reported through the progress log.
func (o Options) Validate() error {
	if o.TemplateID == "" {
		return fmt.Errorf("%w: template id is required", ErrInvalidOptions)
	}
	if o.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidOptions)
	}
	if o.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidOptions)
	}
	return nil
}
