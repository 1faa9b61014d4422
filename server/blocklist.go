package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/janelia-flyem/npmutate/neuprint"
)

// blockList refuses mutation requests from listed users or source IPs.  Lines of the
// file are "u=<user>[,note]" or "ip=<a.b.c.d>[,note]" where any octet may be "*".
type blockList struct {
	mu    sync.RWMutex
	users map[string]string // user id key, note value
	ips   map[string]string // ip match key, note value
}

func addBlock(blockMap map[string]string, data string) error {
	parts := strings.Split(data, ",")
	switch len(parts) {
	case 1:
		blockMap[parts[0]] = ""
	case 2:
		blockMap[parts[0]] = parts[1]
	default:
		return fmt.Errorf("bad blocklist line")
	}
	return nil
}

func loadBlockList(filename string) (*blockList, error) {
	bl := &blockList{users: make(map[string]string), ips: make(map[string]string)}
	if len(filename) == 0 {
		return bl, nil
	}
	neuprint.Infof("Blocklist (%s) found.\n", filename)
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "u="):
			if err := addBlock(bl.users, line[2:]); err != nil {
				return nil, fmt.Errorf("bad user blocklist line: %s", line)
			}
		case strings.HasPrefix(line, "ip="):
			if err := addBlock(bl.ips, line[3:]); err != nil {
				return nil, fmt.Errorf("bad ip blocklist line: %s", line)
			}
		default:
			return nil, fmt.Errorf("bad line in blocklist file (%s): %s", filename, line)
		}
	}
	return bl, scanner.Err()
}

func (bl *blockList) active() bool {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return len(bl.users) > 0 || len(bl.ips) > 0
}

// blocked writes an error and returns true if the request's user or source IP is
// blocked.  The user is the authenticated one if any, else the "u" query string.
func (bl *blockList) blocked(w http.ResponseWriter, r *http.Request, user string) bool {
	if !bl.active() {
		return false
	}
	if user == "" {
		user = r.URL.Query().Get("u")
	}
	bl.mu.RLock()
	note, found := bl.users[user]
	bl.mu.RUnlock()
	if found && user != "" {
		writeError(w, r, http.StatusTooManyRequests, fmt.Sprintf("user %q is blocked: %s", user, note))
		return true
	}
	ip, err := requestSourceIP(r)
	if err != nil {
		neuprint.Errorf("Error getting source IP for request: %v\n", err)
		return false
	}
	if note, found := bl.blockedIP(ip); found {
		writeError(w, r, http.StatusTooManyRequests, fmt.Sprintf("IP %q is blocked: %s", ip, note))
		return true
	}
	return false
}

func (bl *blockList) blockedIP(ip string) (string, bool) {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	targetParts := strings.Split(ip, ".")
	for blockIP, note := range bl.ips {
		parts := strings.Split(blockIP, ".")
		if len(parts) != len(targetParts) {
			continue
		}
		match := true
		for i := range parts {
			if parts[i] != "*" && parts[i] != targetParts[i] {
				match = false
				break
			}
		}
		if match {
			return note, true
		}
	}
	return "", false
}

// See https://www.refactoredtelegram.net/2021/01/a-simple-source-ip-address-filter-in-go/
func requestSourceIP(r *http.Request) (string, error) {
	if forwarded := r.Header.Get("Forwarded"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		for _, part := range strings.Split(strings.TrimSpace(parts[0]), ";") {
			part = strings.ToLower(strings.TrimSpace(part))
			if strings.HasPrefix(part, "for=") {
				return part[4:], nil
			}
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0]), nil
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", err
	}
	return host, nil
}
