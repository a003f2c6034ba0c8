package dns

import (
    "context"
    "errors"
    "fmt"
    "net"
    "sort"
    "strconv"
    "strings"
    "time"

    cache "github.com/patrickmn/go-cache"

    "github.com/amirimatin/go-rpcpool/pkg/discovery"
)

// DefaultPort is the port appended to A/AAAA answers (monerod restricted RPC).
const DefaultPort = 18081

// Options configures DNS-based discovery.
type Options struct {
    // Names are SRV records or hostnames to resolve.
    // Examples: "_rpc._tcp.nodes.example.org" (SRV) or "node1.example.org" (A/AAAA).
    Names []string

    // Port used when resolving A/AAAA records (no port info in DNS answer).
    Port int

    // Refresh is how long a resolution is reused; if zero, defaults to 5s.
    Refresh time.Duration

    // Resolver optionally overrides the DNS resolver used.
    Resolver *net.Resolver
}

type impl struct {
    opts  Options
    cache *cache.Cache
}

// New returns a DNS-backed Source that resolves SRV and A/AAAA names and
// caches each name's answer for the Refresh duration.
func New(opts Options) discovery.Source {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Port == 0 { opts.Port = DefaultPort }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    return &impl{opts: opts, cache: cache.New(opts.Refresh, 2*opts.Refresh)}
}

// Candidates resolves every configured name. It fails only when nothing
// resolved and at least one lookup failed.
func (d *impl) Candidates(ctx context.Context) ([]string, error) {
    seen := make(map[string]struct{})
    var out []string
    var errs []error
    add := func(hp string) {
        if _, ok := seen[hp]; !ok { out = append(out, hp); seen[hp] = struct{}{} }
    }
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        if name == "" { continue }
        // host:port and URLs pass through untouched
        if strings.Contains(name, ":") && !strings.HasPrefix(name, "_") {
            add(name)
            continue
        }
        addrs, err := d.resolve(ctx, name)
        if err != nil { errs = append(errs, err); continue }
        for _, hp := range addrs { add(hp) }
    }
    sort.Strings(out)
    if len(out) == 0 && len(errs) > 0 {
        return nil, errors.Join(errs...)
    }
    return out, nil
}

func (d *impl) resolve(ctx context.Context, name string) ([]string, error) {
    if v, ok := d.cache.Get(name); ok {
        return v.([]string), nil
    }
    var (
        addrs []string
        err   error
    )
    if strings.HasPrefix(name, "_") && strings.Contains(name, "._") {
        addrs, err = d.lookupSRV(ctx, name)
    }
    if len(addrs) == 0 {
        addrs, err = d.lookupHost(ctx, name, d.opts.Port)
    }
    if err != nil { return nil, err }
    d.cache.SetDefault(name, addrs)
    return addrs, nil
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) ([]string, error) {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" || proto == "" || domain == "" { return nil, fmt.Errorf("dns: bad SRV name %q", fqdn) }
    _, recs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil { return nil, fmt.Errorf("dns: srv %s: %w", fqdn, err) }
    out := make([]string, 0, len(recs))
    for _, a := range recs {
        host := strings.TrimSuffix(a.Target, ".")
        out = append(out, net.JoinHostPort(host, strconv.Itoa(int(a.Port))))
    }
    return out, nil
}

func (d *impl) lookupHost(ctx context.Context, host string, port int) ([]string, error) {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil { return nil, fmt.Errorf("dns: host %s: %w", host, err) }
    out := make([]string, 0, len(ips))
    for _, ip := range ips {
        out = append(out, net.JoinHostPort(ip, strconv.Itoa(port)))
    }
    return out, nil
}

func parseSRVName(fqdn string) (service, proto, name string) {
    // Expect pattern: _service._proto.name
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 { return "", "", "" }
    s := strings.TrimPrefix(parts[0], "_")
    p := strings.TrimPrefix(parts[1], "_")
    n := parts[2]
    return s, p, n
}
