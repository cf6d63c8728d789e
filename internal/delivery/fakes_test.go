package delivery

import (
	"context"
	"errors"
	"net"
	"sync"
)

type fakeResolver struct {
	mu    sync.Mutex
	mx    map[string][]*net.MX
	a     map[string][]string
	aaaa  map[string][]string
	mxErr error
	ipErr error
	// hostErr fails address lookups of one host only.
	hostErr map[string]error
	calls   []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		mx:   make(map[string][]*net.MX),
		a:    make(map[string][]string),
		aaaa: make(map[string][]string),
	}
}

func (r *fakeResolver) addMX(domain string, hosts ...string) {
	for i, h := range hosts {
		r.mx[domain] = append(r.mx[domain], &net.MX{Host: h, Pref: uint16(10 * (i + 1))})
	}
}

func (r *fakeResolver) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *fakeResolver) MX(ctx context.Context, domain string) ([]*net.MX, error) {
	r.record("mx " + domain)
	if r.mxErr != nil {
		return nil, r.mxErr
	}
	return r.mx[domain], nil
}

func (r *fakeResolver) A(ctx context.Context, host string) ([]string, error) {
	r.record("a " + host)
	if r.ipErr != nil {
		return nil, r.ipErr
	}
	if err := r.hostErr[host]; err != nil {
		return nil, err
	}
	return r.a[host], nil
}

func (r *fakeResolver) AAAA(ctx context.Context, host string) ([]string, error) {
	r.record("aaaa " + host)
	if r.ipErr != nil {
		return nil, r.ipErr
	}
	if err := r.hostErr[host]; err != nil {
		return nil, err
	}
	return r.aaaa[host], nil
}

type fakePool struct {
	mu      sync.Mutex
	v4, v6  int
	err     error
	ipv4Out string
	ipv6Out string
}

func (p *fakePool) IPv4(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.v4++
	if p.err != nil {
		return "", p.err
	}
	if p.ipv4Out == "" {
		return "192.0.2.1", nil
	}
	return p.ipv4Out, nil
}

func (p *fakePool) IPv6(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.v6++
	if p.err != nil {
		return "", p.err
	}
	if p.ipv6Out == "" {
		return "2001:db8::1", nil
	}
	return p.ipv6Out, nil
}

type attempt struct {
	remote string
	source string
}

// fakeTransport answers every attempt to a remote IP with the configured
// reply. Remote IPs without an entry are accepted.
type fakeTransport struct {
	mu        sync.Mutex
	replies   map[string]Reply
	attempts  []attempt
	onAttempt func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{replies: make(map[string]Reply)}
}

func (t *fakeTransport) fail(remote string, reply Reply) {
	t.replies[remote] = reply
}

func (t *fakeTransport) Attempt(ctx context.Context, msg *Message, remoteIP, sourceIP string) (Reply, error) {
	t.mu.Lock()
	t.attempts = append(t.attempts, attempt{remote: remoteIP, source: sourceIP})
	reply, failed := t.replies[remoteIP]
	hook := t.onAttempt
	t.mu.Unlock()

	if hook != nil {
		hook()
	}
	if !failed {
		return Reply{Code: 250}, nil
	}
	return reply, errors.New("attempt failed")
}

func (t *fakeTransport) remotes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.attempts))
	for i, a := range t.attempts {
		out[i] = a.remote
	}
	return out
}

var (
	refused      = Reply{}
	greylisted   = Reply{Code: 451, Enhanced: "4.7.1"}
	unknownUser  = Reply{Code: 550, Enhanced: "5.1.1"}
	policyReject = Reply{Code: 554, Enhanced: "5.7.1"}
)
