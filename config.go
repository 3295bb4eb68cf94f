// Copyright 2026 The Greengage Exporter Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"net/url"
	"strconv"

	"gopkg.in/ini.v1"
)

func newConfig(configPath string) (*ini.File, error) {
	opts := ini.LoadOptions{
		AllowBooleanKeys: true,
	}

	cfg, err := ini.LoadSources(opts, configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *ini.File, section string) (*ini.Section, error) {
	client, err := cfg.GetSection(section)
	if err != nil {
		return nil, fmt.Errorf("configuration section not found - [%s]", section)
	}
	if !client.HasKey("user") || client.Key("user").String() == "" {
		return nil, fmt.Errorf("no user specified under [%s]", section)
	}
	if !client.HasKey("password") || client.Key("password").String() == "" {
		return nil, fmt.Errorf("no password specified under [%s]", section)
	}
	return client, nil
}

// formDSN builds a postgres connection URL from the config section.
func formDSN(cfg *ini.Section) string {
	user := cfg.Key("user").String()
	password := cfg.Key("password").String()
	host := cfg.Key("host").MustString("localhost")
	port := cfg.Key("port").MustUint(5432)
	database := cfg.Key("database").MustString("postgres")
	sslmode := cfg.Key("sslmode").MustString("disable")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     host + ":" + strconv.FormatUint(uint64(port), 10),
		Path:     "/" + database,
		RawQuery: "sslmode=" + url.QueryEscape(sslmode),
	}
	return u.String()
}

// maskDSN hides the password for log output.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "invalid DSN"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
