package machine

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
)

// UnrestrictedRange is the IPv4 "any" range. It is only ever used when the
// caller lists it explicitly.
const UnrestrictedRange = "0.0.0.0/0"

var (
	instanceNameRe = regexp.MustCompile(`^[a-z]([-a-z0-9]*[a-z0-9])?$`)
	branchRe       = regexp.MustCompile(`^[A-Za-z0-9._/][A-Za-z0-9._/-]*$`)
	labelKeyRe     = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)
	labelValueRe   = regexp.MustCompile(`^[a-z0-9_-]{0,63}$`)
	repoDirRe      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// ValidateCIDR checks that s is a CIDR block such as 203.0.113.0/24.
func ValidateCIDR(s string) error {
	if _, _, err := net.ParseCIDR(s); err != nil {
		return fmt.Errorf("%q is not a valid CIDR range", s)
	}
	return nil
}

// ValidateInstanceName checks the compute instance naming rules.
func ValidateInstanceName(name string) error {
	if len(name) > maxInstanceNameLength || !instanceNameRe.MatchString(name) {
		return fmt.Errorf("%q must be 1-63 lowercase letters, digits or hyphens, start with a letter and not end with a hyphen", name)
	}
	return nil
}

// ValidateBranch rejects refs that could not be passed to git unquoted.
func ValidateBranch(branch string) error {
	if !branchRe.MatchString(branch) || strings.Contains(branch, "..") {
		return fmt.Errorf("%q is not a valid branch name", branch)
	}
	return nil
}

// ValidateRepoDir accepts a single directory name that needs no shell quoting.
func ValidateRepoDir(dir string) error {
	if !repoDirRe.MatchString(dir) {
		return fmt.Errorf("%q is not a plain directory name", dir)
	}
	return nil
}

// ValidateSSHKey checks an authorized_keys style public key line.
func ValidateSSHKey(line string) error {
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line)); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return nil
}

// NormalizeSSHKey returns the key as "<type> <base64> [comment]" or an error.
func NormalizeSSHKey(line string) (string, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	out := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		out += " " + comment
	}
	return out, nil
}

func validateLabels(labels map[string]string) []string {
	var errs []string
	for _, k := range sortedKeys(labels) {
		if !labelKeyRe.MatchString(k) {
			errs = append(errs, fmt.Sprintf("labels: key %q must start with a lowercase letter and contain only lowercase letters, digits, '_' or '-'", k))
		}
		if !labelValueRe.MatchString(labels[k]) {
			errs = append(errs, fmt.Sprintf("labels.%s: value %q may contain only lowercase letters, digits, '_' or '-'", k, labels[k]))
		}
	}
	return errs
}
