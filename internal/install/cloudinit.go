package install

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/typevps/engine/internal/snippets"
)

// userData is the cloud-config document uploaded to the snippet store.
// Marshaled with yaml.v3 and prefixed with the #cloud-config header.
type userData struct {
	PackageUpdate  bool            `yaml:"package_update"`
	PackageUpgrade bool            `yaml:"package_upgrade"`
	Hostname       string          `yaml:"hostname"`
	ResizeRootfs   bool            `yaml:"resize_rootfs"`
	SSHPwAuth      bool            `yaml:"ssh_pwauth"`
	Users          []cloudInitUser `yaml:"users"`
}

type cloudInitUser struct {
	Name              string            `yaml:"name"`
	LockPasswd        bool              `yaml:"lock_passwd"`
	Passwd            string            `yaml:"passwd"`
	Sudo              string            `yaml:"sudo"`
	Chpasswd          map[string]string `yaml:"chpasswd"`
	Shell             string            `yaml:"shell"`
	SSHAuthorizedKeys []string          `yaml:"ssh_authorized_keys,omitempty"`
}

// cloudInitParams collects everything the generated document embeds.
type cloudInitParams struct {
	Hostname         string
	Username         string
	PasswordHash     string // shadow-compatible hash, never plaintext
	SSHKeys          []string
	PasswordAuth     bool
	PasswordlessSudo bool
	LockPassword     bool
}

// generateCloudInit renders the cloud-config document.
func generateCloudInit(p cloudInitParams) ([]byte, error) {
	sudo := "ALL=(ALL) ALL"
	if p.PasswordlessSudo {
		sudo = "ALL=(ALL) NOPASSWD:ALL"
	}

	doc := userData{
		PackageUpdate:  true,
		PackageUpgrade: true,
		Hostname:       p.Hostname,
		ResizeRootfs:   true,
		SSHPwAuth:      p.PasswordAuth,
		Users: []cloudInitUser{{
			Name:              p.Username,
			LockPasswd:        p.LockPassword,
			Passwd:            p.PasswordHash,
			Sudo:              sudo,
			Chpasswd:          map[string]string{"expire": "False"},
			Shell:             "/bin/bash",
			SSHAuthorizedKeys: p.SSHKeys,
		}},
	}

	body, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshal cloud-init: %w", err)
	}
	return append([]byte("#cloud-config\n"), body...), nil
}

// uploadCloudInit stages the document under a fresh random id and
// returns the snippet file name referenced by the create call.
func uploadCloudInit(ctx context.Context, store snippets.Store, p cloudInitParams) (string, error) {
	doc, err := generateCloudInit(p)
	if err != nil {
		return "", err
	}

	name := uuid.NewString() + ".yml"
	if err := store.Put(ctx, name, doc); err != nil {
		return "", fmt.Errorf("upload cloud-init snippet: %w", err)
	}
	return name, nil
}

// shadowHash produces the shadow-compatible SHA-512 password hash
// embedded in cloud-init, so the plaintext never reaches the guest.
func shadowHash(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hexSalt := hex.EncodeToString(salt)

	sum := sha512.Sum512([]byte(password + hexSalt))
	return fmt.Sprintf("$6$%s$%s", hexSalt, hex.EncodeToString(sum[:])), nil
}
