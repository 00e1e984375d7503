package parser

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/August26/proxytest-go/internal/model"
)

// LoadFromFile reads a proxy list and returns one credential per valid
// line. Lines without a scheme get defType.
func LoadFromFile(fs afero.Fs, path string, defType model.ProxyType) ([]model.ProxyCredential, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	defer f.Close()

	out, err := Parse(f, defType)
	if err != nil {
		return nil, fmt.Errorf("scan input file: %w", err)
	}
	return out, nil
}

// Parse reads proxies line by line. It supports formats:
//
//	ip:port
//	ip:port:username:password
//	username:password@ip:port
//	scheme://[username:password@]host:port
//
// Empty lines, lines starting with '#' and unparsable lines are skipped.
func Parse(r io.Reader, defType model.ProxyType) ([]model.ProxyCredential, error) {
	var out []model.ProxyCredential
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		pc, err := ParseLine(line, defType)
		if err != nil {
			continue
		}
		out = append(out, pc)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseLine parses a single proxy line.
func ParseLine(line string, defType model.ProxyType) (model.ProxyCredential, error) {
	line = strings.TrimSpace(line)
	if defType == "" {
		defType = model.ProxyHTTP
	}

	if strings.Contains(line, "://") {
		return parseURL(line)
	}

	// username:password@ip:port
	if i := strings.LastIndex(line, "@"); i >= 0 {
		user, pass, err := splitUserPass(line[:i])
		if err != nil {
			return model.ProxyCredential{}, err
		}
		host, port, err := splitHostPort(line[i+1:])
		if err != nil {
			return model.ProxyCredential{}, err
		}
		return model.ProxyCredential{
			Host:     host,
			Port:     port,
			Username: user,
			Password: pass,
			Type:     defType,
		}, nil
	}

	// [v6]:port
	if strings.HasPrefix(line, "[") {
		host, port, err := splitHostPort(line)
		if err != nil {
			return model.ProxyCredential{}, err
		}
		return model.ProxyCredential{Host: host, Port: port, Type: defType}, nil
	}

	col := strings.Split(line, ":")
	switch len(col) {
	case 2:
		host, port, err := splitHostPort(line)
		if err != nil {
			return model.ProxyCredential{}, err
		}
		return model.ProxyCredential{Host: host, Port: port, Type: defType}, nil

	case 4:
		// ip:port:user:pass
		port, err := parsePort(col[1])
		if err != nil {
			return model.ProxyCredential{}, err
		}
		return model.ProxyCredential{
			Host:     col[0],
			Port:     port,
			Username: col[2],
			Password: col[3],
			Type:     defType,
		}, nil

	default:
		return model.ProxyCredential{}, fmt.Errorf("unrecognized proxy format: %q", line)
	}
}

func parseURL(line string) (model.ProxyCredential, error) {
	u, err := url.Parse(line)
	if err != nil {
		return model.ProxyCredential{}, fmt.Errorf("invalid proxy URL %q: %w", line, err)
	}
	typ, ok := model.ParseProxyType(u.Scheme)
	if !ok {
		return model.ProxyCredential{}, fmt.Errorf("unknown proxy scheme %q", u.Scheme)
	}
	host, port, err := splitHostPort(u.Host)
	if err != nil {
		return model.ProxyCredential{}, err
	}
	pc := model.ProxyCredential{Host: host, Port: port, Type: typ}
	if u.User != nil {
		pc.Username = u.User.Username()
		pc.Password, _ = u.User.Password()
	}
	return pc, nil
}

func splitUserPass(s string) (string, string, error) {
	up := strings.SplitN(s, ":", 2)
	if len(up) != 2 {
		return "", "", fmt.Errorf("invalid auth (expected user:pass): %q", s)
	}
	return up[0], up[1], nil
}

// splitHostPort handles host:port for IPv4, hostnames and bracketed IPv6.
func splitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid host:port: %q", s)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

// LoadURLTargets reads named targets from a YAML (or JSON) list:
//
//   - id: "1"
//     name: httpbin
//     url: https://httpbin.org/get
//     type: echo
func LoadURLTargets(fs afero.Fs, path string) ([]model.URLTarget, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}

	var targets []model.URLTarget
	if err := yaml.Unmarshal(raw, &targets); err != nil {
		return nil, fmt.Errorf("decode targets file: %w", err)
	}
	for i := range targets {
		if targets[i].URL == "" {
			return nil, fmt.Errorf("target %d: url is required", i)
		}
		if targets[i].ID == "" {
			targets[i].ID = strconv.Itoa(i + 1)
		}
		if targets[i].Name == "" {
			targets[i].Name = targets[i].URL
		}
	}
	return targets, nil
}
