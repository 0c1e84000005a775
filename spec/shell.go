package spec

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/compose-spec/compose-go/v2/dotenv"
	"github.com/mattn/go-shellwords"
)

// SplitCommand splits a command string into argv the way a POSIX shell
// tokenises words. Variables and backticks are left alone: interpolation
// has already run over the whole file.
func SplitCommand(s string) ([]string, error) {
	args, err := shellwords.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(err, "split %q", s)
	}
	return args, nil
}

// ParseDotEnv reads a dotenv file. Values may reference variables already
// set in lookup.
func ParseDotEnv(r io.Reader, lookup LookupFunc) (map[string]string, error) {
	vars, err := dotenv.ParseWithLookup(r, dotenv.LookupFn(lookup))
	if err != nil {
		return nil, errors.Wrap(err, "parse dotenv")
	}
	return vars, nil
}
