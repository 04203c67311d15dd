// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.


// Package dbopen builds PostgreSQL connection strings from the environment.
package dbopen

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

var ErrDatabaseNotConfigured = errors.New("database connection configuration is unavailable")

// passthrough maps optional PREFIX_ variables to connection-string query
// parameters understood by pgx and pgxpool.
var passthrough = []struct {
	env   string
	param string
}{
	{"SSLMODE", "sslmode"},
	{"CONNECT_TIMEOUT", "connect_timeout"},
	{"POOL_MAX_CONNS", "pool_max_conns"},
	{"POOL_MIN_CONNS", "pool_min_conns"},
}

// GetDatabaseURLFromEnv returns PREFIX_URL if set. Otherwise it builds a
// postgresql:// URL from PREFIX_HOST and PREFIX_DBNAME (required),
// PREFIX_PORT (default 5432), PREFIX_USER, PREFIX_PASSWORD and the optional
// parameters above. A trailing "_" is added to prefix if missing.
func GetDatabaseURLFromEnv(prefix string) (string, error) {
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}

	if urlStr := os.Getenv(prefix + "URL"); urlStr != "" {
		return urlStr, nil
	}

	host := os.Getenv(prefix + "HOST")
	dbname := os.Getenv(prefix + "DBNAME")

	var missing []string
	if host == "" {
		missing = append(missing, prefix+"HOST")
	}
	if dbname == "" {
		missing = append(missing, prefix+"DBNAME")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	port := os.Getenv(prefix + "PORT")
	if port == "" {
		port = "5432"
	}

	u := &url.URL{
		Scheme: "postgresql",
		Host:   host + ":" + port,
		Path:   dbname,
	}
	if user := os.Getenv(prefix + "USER"); user != "" {
		if pass := os.Getenv(prefix + "PASSWORD"); pass != "" {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}

	q := u.Query()
	for _, p := range passthrough {
		if v := os.Getenv(prefix + p.env); v != "" {
			q.Set(p.param, v)
		}
	}
	if appName := ApplicationName(os.Getenv("OTEL_SERVICE_NAME")); appName != "" {
		q.Set("application_name", appName)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ApplicationName makes name safe for PostgreSQL's application_name:
// characters other than letters, digits, '-' and '_' become '_', and the
// result is cut to 63 bytes.
func ApplicationName(name string) string {
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' {
			return r
		}
		return '_'
	}, name)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
