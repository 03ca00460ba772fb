package store

import "strings"

// remoteSchemes are the libsql URL schemes served over the network.
var remoteSchemes = []string{"libsql://", "http://", "https://"}

// DSN turns a configured database location into a libsql data source name
// and, for local databases, the path of the file on disk. Plain paths become
// "file:" URIs. Remote URLs are returned unchanged with an empty file.
func DSN(location string) (dsn, file string) {
	for _, scheme := range remoteSchemes {
		if strings.HasPrefix(location, scheme) {
			return location, ""
		}
	}
	if rest, ok := strings.CutPrefix(location, "file:"); ok {
		file, _, _ = strings.Cut(rest, "?")
		file = strings.TrimPrefix(file, "//")
		return location, file
	}
	return "file:" + location, location
}
