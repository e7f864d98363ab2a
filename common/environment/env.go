// Package environment applies environment-variable overrides onto an already
// populated configuration value.
//
// Every helper writes through a pointer and leaves the target untouched when
// the variable is unset, empty, or unparsable, so defaults and file-loaded
// values survive unless the operator explicitly overrides them. Unparsable
// values are collected and reported by Err rather than silently ignored.
package environment

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source reads variables sharing a common prefix, e.g. "OPENGROVE_".
type Source struct {
	prefix string
	errs   []error
}

// New returns a Source for variables named prefix + "_" + name. An empty
// prefix reads names verbatim.
func New(prefix string) *Source {
	if prefix != "" && !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return &Source{prefix: prefix}
}

// Name returns the fully qualified variable name for name.
func (s *Source) Name(name string) string {
	return s.prefix + name
}

func (s *Source) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(s.Name(name))
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (s *Source) invalid(name, raw string, err error) {
	s.errs = append(s.errs, fmt.Errorf("%s=%q: %w", s.Name(name), raw, err))
}

// String overrides *dst with the variable's value.
func (s *Source) String(dst *string, name string) {
	if v, ok := s.lookup(name); ok {
		*dst = v
	}
}

// Int overrides *dst with the variable parsed as a decimal integer.
func (s *Source) Int(dst *int, name string) {
	v, ok := s.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.invalid(name, v, err)
		return
	}
	*dst = n
}

// Float overrides *dst with the variable parsed as a float64.
func (s *Source) Float(dst *float64, name string) {
	v, ok := s.lookup(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.invalid(name, v, err)
		return
	}
	*dst = f
}

// Bool overrides *dst using strconv.ParseBool semantics.
func (s *Source) Bool(dst *bool, name string) {
	v, ok := s.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		s.invalid(name, v, err)
		return
	}
	*dst = b
}

// Duration overrides *dst with the variable parsed by time.ParseDuration
// (e.g. "30s", "5m").
func (s *Source) Duration(dst *time.Duration, name string) {
	v, ok := s.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		s.invalid(name, v, err)
		return
	}
	*dst = d
}

// Err returns every parse failure seen so far, joined, or nil.
func (s *Source) Err() error {
	return errors.Join(s.errs...)
}
