package resources

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	xe "github.com/opst/deepff/pkg/errors"
)

// environment variables which cluster schedulers set to a node list file.
var nodefileEnvs = []string{"PBS_NODEFILE", "LSB_DJOB_HOSTFILE", "SLURM_NODEFILE"}

// ParseNodefile reads a scheduler's node list: one host name per line, once per slot.
//
// returns unique host names in order of appearance, and the number of lines.
func ParseNodefile(r io.Reader) ([]string, int, error) {
	hosts := []string{}
	seen := map[string]struct{}{}
	lines := 0

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		h := strings.TrimSpace(sc.Text())
		if h == "" {
			continue
		}
		lines += 1
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	return hosts, lines, nil
}

// ParseHostfile reads a hostname file:
//
//	<processor count>
//	<slots> <host>
//	<slots> <host>
//	...
func ParseHostfile(r io.Reader) ([]string, int, error) {
	sc := bufio.NewScanner(r)
	procs := -1
	hosts := []string{}
	seen := map[string]struct{}{}
	lineno := 0
	for sc.Scan() {
		lineno += 1
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if procs < 0 {
			p, err := strconv.Atoi(line)
			if err != nil || p <= 0 {
				return nil, 0, fmt.Errorf("line %d: processor count should be a positive integer: %q", lineno, line)
			}
			procs = p
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, 0, fmt.Errorf("line %d: expected \"<slots> <host>\": %q", lineno, line)
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			return nil, 0, fmt.Errorf("line %d: slots should be an integer: %q", lineno, fields[0])
		}
		if _, ok := seen[fields[1]]; ok {
			continue
		}
		seen[fields[1]] = struct{}{}
		hosts = append(hosts, fields[1])
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	if procs < 0 {
		return nil, 0, fmt.Errorf("processor count is missing")
	}
	return hosts, procs, nil
}

func readNodeList(path string, parse func(io.Reader) ([]string, int, error)) ([]string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %w", xe.ErrResourceUnavailable, path, err)
	}
	defer f.Close()
	hosts, procs, err := parse(f)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %w", xe.ErrResourceUnavailable, path, err)
	}
	if len(hosts) == 0 {
		return nil, 0, fmt.Errorf("%w: %s: no hosts are listed", xe.ErrResourceUnavailable, path)
	}
	return hosts, procs, nil
}
