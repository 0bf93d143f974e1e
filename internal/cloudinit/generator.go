// Package cloudinit builds the NoCloud seed image that provisions the guest
// account and hostname on first boot.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt" // registers crypt.SHA512
	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/internal/config"
)

// Seed holds everything rendered into the seed image.
type Seed struct {
	Hostname   string
	InstanceID string
	User       string
	Password   string
	SSHKeys    []string
}

// SeedFromConfig extracts the seed parameters from a run configuration.
func SeedFromConfig(cfg *config.Config) Seed {
	return Seed{
		Hostname:   cfg.Name,
		InstanceID: cfg.InstanceID,
		User:       cfg.Account.User,
		Password:   cfg.Account.Password,
		SSHKeys:    cfg.Account.SSHKeys,
	}
}

// UserData represents the cloud-config user-data structure.
// This is marshaled to YAML and prefixed with "#cloud-config" header.
type UserData struct {
	Hostname        string    `yaml:"hostname"`
	Users           []User    `yaml:"users"`
	Chpasswd        *Chpasswd `yaml:"chpasswd,omitempty"`
	SSHPasswordAuth bool      `yaml:"ssh_pwauth"`
}

// User is a cloud-init users entry.
type User struct {
	Name              string   `yaml:"name"`
	Passwd            string   `yaml:"passwd"` // SHA-512 crypt hash
	LockPasswd        bool     `yaml:"lock_passwd"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

// Chpasswd sets the plaintext password a second time. Older cloud-init
// releases only read List, newer ones only read Users.
type Chpasswd struct {
	Expire bool           `yaml:"expire"`
	List   string         `yaml:"list"` // "user:password" lines
	Users  []ChpasswdUser `yaml:"users"`
}

// ChpasswdUser is an entry of the chpasswd users form.
type ChpasswdUser struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	Type     string `yaml:"type"`
}

// MetaData represents the cloud-init meta-data structure.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// HashPassword returns a SHA-512 crypt ("$6$") hash with a random salt.
func HashPassword(password string) (string, error) {
	hash, err := crypt.SHA512.New().Generate([]byte(password), nil)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return hash, nil
}

// VerifyPassword checks a password against a crypt hash.
func VerifyPassword(hash, password string) bool {
	if !crypt.IsHashSupported(hash) {
		return false
	}
	return crypt.NewFromHash(hash).Verify(hash, []byte(password)) == nil
}

// GenerateUserData generates the user-data content including the
// "#cloud-config" header.
func GenerateUserData(seed Seed) (string, error) {
	if seed.User == "" {
		return "", fmt.Errorf("user is required")
	}

	hash, err := HashPassword(seed.Password)
	if err != nil {
		return "", err
	}

	userData := UserData{
		Hostname: seed.Hostname,
		Users: []User{{
			Name:              seed.User,
			Passwd:            hash,
			LockPasswd:        false,
			Sudo:              "ALL=(ALL) NOPASSWD:ALL",
			Shell:             "/bin/bash",
			SSHAuthorizedKeys: seed.SSHKeys,
		}},
		Chpasswd: &Chpasswd{
			Expire: false,
			List:   fmt.Sprintf("%s:%s\n", seed.User, seed.Password),
			Users: []ChpasswdUser{{
				Name:     seed.User,
				Password: seed.Password,
				Type:     "text",
			}},
		},
		SSHPasswordAuth: true,
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}

	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData generates the meta-data content.
//
// cloud-init only provisions again when instance-id changes, so it must be
// stable across runs for the same instance.
func GenerateMetaData(seed Seed) (string, error) {
	if seed.InstanceID == "" {
		return "", fmt.Errorf("instance id is required")
	}

	metaData := MetaData{
		InstanceID:    seed.InstanceID,
		LocalHostname: seed.Hostname,
	}

	yamlBytes, err := yaml.Marshal(&metaData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}

	return string(yamlBytes), nil
}

// ParseUserData parses a rendered user-data document.
func ParseUserData(content string) (*UserData, error) {
	body := strings.TrimPrefix(content, "#cloud-config\n")

	var userData UserData
	if err := yaml.Unmarshal([]byte(body), &userData); err != nil {
		return nil, fmt.Errorf("failed to parse user-data: %w", err)
	}
	return &userData, nil
}
