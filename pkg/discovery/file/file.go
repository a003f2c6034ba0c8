package file

import (
    "bufio"
    "context"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-rpcpool/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
    // Path to a file (or glob) containing one address per line or comma-separated lists.
    Path string
    // Env names an environment variable whose CSV value overrides the file when non-empty.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

// New returns a Source reading candidate addresses from Env or Path.
func New(opts Options) discovery.Source {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &impl{opts: opts}
}

func (i *impl) Candidates(context.Context) ([]string, error) {
    i.mu.Lock(); defer i.mu.Unlock()
    if i.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
            return normalize(splitCSV(v)), nil
        }
    }
    if i.opts.Path == "" {
        return nil, nil
    }
    now := time.Now()
    if stat, err := os.Stat(i.opts.Path); err == nil {
        if stat.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
            addrs, err := loadFile(i.opts.Path)
            if err != nil { return nil, err }
            i.cache, i.last, i.mtime = addrs, now, stat.ModTime()
        }
        return append([]string(nil), i.cache...), nil
    }
    matches, err := filepath.Glob(i.opts.Path)
    if err != nil { return nil, fmt.Errorf("file: bad pattern %q: %w", i.opts.Path, err) }
    if len(matches) == 0 {
        return nil, fmt.Errorf("file: no candidate file matches %q", i.opts.Path)
    }
    var all []string
    for _, m := range matches {
        addrs, err := loadFile(m)
        if err != nil { return nil, err }
        all = append(all, addrs...)
    }
    i.cache, i.last = normalize(all), now
    return append([]string(nil), i.cache...), nil
}

func loadFile(path string) ([]string, error) {
    f, err := os.Open(path)
    if err != nil { return nil, fmt.Errorf("file: %w", err) }
    defer f.Close()
    var addrs []string
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        addrs = append(addrs, splitCSV(line)...)
    }
    if err := s.Err(); err != nil { return nil, fmt.Errorf("file: read %s: %w", path, err) }
    return normalize(addrs), nil
}

func splitCSV(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        p = strings.TrimSpace(p)
        if p != "" { out = append(out, p) }
    }
    return out
}

// normalize de-duplicates and sorts.
func normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    out := make([]string, 0, len(in))
    for _, x := range in {
        if _, ok := set[x]; ok { continue }
        set[x] = struct{}{}
        out = append(out, x)
    }
    sort.Strings(out)
    return out
}
