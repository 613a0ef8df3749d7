package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"rescued/pkg/manifest"
)

const maxProxyRedirects = 10

var (
	errProxyURL       = errors.New("url must be an absolute http or https URL")
	errProxyForbidden = errors.New("target host is not allowed")
)

func (h *Hub) handleProxy(w http.ResponseWriter, r *http.Request) {
	target, err := validateProxyURL(r.URL.Query().Get("url"))
	if err != nil {
		h.metrics.proxy.WithLabelValues("rejected").Inc()
		status := http.StatusBadRequest
		if errors.Is(err, errProxyForbidden) {
			status = http.StatusForbidden
		}
		respondError(w, status, err)
		return
	}

	name := cacheName(target)
	cached := filepath.Join(h.cfg.CacheDir, name)

	result := "hit"
	if _, err := os.Stat(cached); err != nil {
		result = "miss"
		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.ProxyTimeout)
		defer cancel()
		if err := h.download(ctx, target, cached); err != nil {
			h.metrics.proxy.WithLabelValues("failed").Inc()
			h.logger.Printf("ERROR proxy download %s: %v", target, err)
			status := http.StatusInternalServerError
			if errors.Is(err, errProxyForbidden) {
				status = http.StatusForbidden
			}
			respondError(w, status, fmt.Errorf("download failed: %w", err))
			return
		}
		h.logger.Printf("INFO proxy cached %s as %s", target, name)
	}
	h.metrics.proxy.WithLabelValues(result).Inc()

	file, err := os.Open(cached)
	if err != nil {
		respondError(w, http.StatusInternalServerError, errors.New("cached file unavailable"))
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, errors.New("cached file unavailable"))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, file)
}

func validateProxyURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("url parameter is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errProxyURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errProxyURL
	}
	host := u.Hostname()
	if host == "" {
		return nil, errProxyURL
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return nil, errProxyForbidden
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		ip = ip.Unmap()
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return nil, errProxyForbidden
		}
	}
	return u, nil
}

// checkProxyRedirect applies the proxy target rules to every redirect hop.
func checkProxyRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxProxyRedirects {
		return fmt.Errorf("stopped after %d redirects", maxProxyRedirects)
	}
	_, err := validateProxyURL(req.URL.String())
	return err
}

// cacheName is the URL's basename, or a digest of the URL when it has none.
func cacheName(u *url.URL) string {
	base := path.Base(u.Path)
	switch base {
	case "", ".", "/", "..":
		return manifest.HashBytes([]byte(u.String()))
	}
	return base
}

func (h *Hub) download(ctx context.Context, target *url.URL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".proxy-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
