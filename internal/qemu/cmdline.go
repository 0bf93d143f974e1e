package qemu

import (
	"fmt"
	"strings"
)

// cmdline accumulates qemu options in order. Options added with once may
// appear a single time on the final command line.
type cmdline struct {
	argv   []string
	single map[string]bool
	err    error
}

func newCmdline() *cmdline {
	return &cmdline{single: make(map[string]bool)}
}

// once adds an option that qemu accepts only one time. Values are joined
// with commas into a single option argument.
func (c *cmdline) once(name string, values ...string) {
	if c.single[name] {
		c.collide(name)
		return
	}
	c.single[name] = true
	c.add(name, values...)
}

// add adds an option that may be repeated, such as -drive or -virtfs.
func (c *cmdline) add(name string, values ...string) {
	c.argv = append(c.argv, "-"+name)
	if v := strings.Join(values, ","); v != "" {
		c.argv = append(c.argv, v)
	}
}

// raw appends caller supplied argv verbatim. Option words naming a single
// use option that is already set are rejected.
func (c *cmdline) raw(argv []string) {
	for _, a := range argv {
		if !strings.HasPrefix(a, "-") {
			continue
		}
		if name := strings.TrimLeft(a, "-"); c.single[name] {
			c.collide(name)
			return
		}
	}
	c.argv = append(c.argv, argv...)
}

func (c *cmdline) collide(name string) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: -%s is already set", ErrArgumentCollision, name)
	}
}

// build returns the argv or the first collision.
func (c *cmdline) build() ([]string, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.argv, nil
}
