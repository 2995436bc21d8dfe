package account

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/christopherjohns/noticeboard/internal/identity"
)

// Seed is an account created on first start.
type Seed struct {
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Role     identity.Role `yaml:"role"`
}

type seedFile struct {
	Users []Seed `yaml:"users"`
}

// DefaultSeeds returns admins admin_1..admin_N with password Admin_123 and
// users user_1..user_M with password User_123.
func DefaultSeeds(admins, users int) []Seed {
	out := make([]Seed, 0, admins+users)
	for i := 1; i <= admins; i++ {
		out = append(out, Seed{Username: fmt.Sprintf("admin_%d", i), Password: "Admin_123", Role: identity.RoleAdmin})
	}
	for i := 1; i <= users; i++ {
		out = append(out, Seed{Username: fmt.Sprintf("user_%d", i), Password: "User_123", Role: identity.RoleUser})
	}
	return out
}

// LoadSeeds reads a YAML file of the form:
//
//	users:
//	  - username: alice
//	    password: Secret_123
//	    role: admin
func LoadSeeds(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i, s := range f.Users {
		if !usernamePattern.MatchString(s.Username) || s.Password == "" {
			return nil, fmt.Errorf("seed file %s: entry %d needs a valid username and a password", path, i)
		}
		f.Users[i].Role = identity.ParseRole(string(s.Role))
	}
	return f.Users, nil
}
