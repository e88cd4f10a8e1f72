package cache

import "strings"

// Entry names one downloadable set of model weights.
type Entry struct {
	Version  string
	FileName string
	URL      string
}

const ggmlBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// catalog lists the whisper.cpp ggml weights we know how to fetch.
var catalog = func() map[string]Entry {
	versions := []string{
		"tiny.en", "tiny",
		"base.en", "base",
		"small.en", "small",
		"medium.en", "medium",
		"large-v2", "large-v3", "large-v3-turbo",
	}
	m := make(map[string]Entry, len(versions))
	for _, v := range versions {
		file := "ggml-" + v + ".bin"
		m[v] = Entry{Version: v, FileName: file, URL: ggmlBaseURL + file}
	}
	return m
}()

// Lookup resolves a model version. A non-empty overrideURL replaces the catalog
// URL and makes versions outside the catalog usable.
func Lookup(version, overrideURL string) (Entry, bool) {
	version = strings.TrimSpace(version)
	e, ok := catalog[version]
	if overrideURL == "" {
		return e, ok
	}
	if !ok {
		e = Entry{Version: version, FileName: fileNameFromURL(overrideURL, version)}
	}
	e.URL = overrideURL
	return e, true
}

func fileNameFromURL(u, version string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	name := u[strings.LastIndex(u, "/")+1:]
	if name == "" || name == "." || name == ".." {
		return "ggml-" + version + ".bin"
	}
	return name
}
