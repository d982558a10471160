package script

import (
	"strings"
	"unicode"
)

// illegalNameChars may not appear in a registry node name.
const illegalNameChars = `/:[]*|{}`

// validateName checks that name can be used as a registry node name.
func validateName(path, name string) error {
	fail := func(reason string) error {
		return &NameError{Path: path, Name: name, Reason: reason}
	}

	switch {
	case name == "":
		return fail("name is empty")
	case name == "." || name == "..":
		return fail("name is a relative path element")
	case strings.TrimSpace(name) != name:
		return fail("name has leading or trailing whitespace")
	}

	if i := strings.IndexAny(name, illegalNameChars); i >= 0 {
		return fail("illegal character " + string(name[i]))
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return fail("control character in name")
		}
	}

	return nil
}
