// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is a command line tool that edits the users and bans of a
// pushmq configuration file.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/turtacn/pushmq/pkg/blacklist"
	"github.com/turtacn/pushmq/pkg/config"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		log.Fatalf("[ERROR] %v", err)
	}
}

type options struct {
	configPath string
	command    string
	username   string
	password   string
	algorithm  string
	enabled    bool

	banType   string
	banValue  string
	banRegexp string
	reason    string
}

func run(args []string, stdout, stderr io.Writer) error {
	var o options
	fs := flag.NewFlagSet("pushmq-user", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&o.command, "cmd", "", "Command: generate, list, add, update, remove, enable, disable, ban, bans")
	fs.StringVar(&o.username, "user", "", "Username")
	fs.StringVar(&o.password, "pass", "", "Password")
	fs.StringVar(&o.algorithm, "algo", "bcrypt", "Password algorithm: plain, sha256, bcrypt")
	fs.BoolVar(&o.enabled, "enabled", true, "User enabled status")
	fs.StringVar(&o.banType, "type", "clientid", "Ban type: clientid, username, ipaddress, topic")
	fs.StringVar(&o.banValue, "value", "", "Exact value (or CIDR for ipaddress) to ban")
	fs.StringVar(&o.banRegexp, "pattern", "", "Regular expression to ban")
	fs.StringVar(&o.reason, "reason", "", "Reason recorded with the ban")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "pushmq user management\n\n")
		fmt.Fprintf(stderr, "Usage: pushmq-user -cmd=<command> [OPTIONS]\n\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  pushmq-user -cmd=generate -config=config.yaml\n")
		fmt.Fprintf(stderr, "  pushmq-user -cmd=add -user=sensor-7 -pass=secret -algo=bcrypt\n")
		fmt.Fprintf(stderr, "  pushmq-user -cmd=disable -user=sensor-7\n")
		fmt.Fprintf(stderr, "  pushmq-user -cmd=ban -type=ipaddress -value=10.0.0.0/8 -reason=lab\n")
	}

	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	switch o.command {
	case "generate":
		if err := config.SaveConfig(config.DefaultConfig(), o.configPath); err != nil {
			return fmt.Errorf("failed to generate config file: %w", err)
		}
		fmt.Fprintf(stdout, "Sample configuration saved to %s\n", o.configPath)
		return nil
	case "list":
		cfg, err := config.LoadConfig(o.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return listUsers(stdout, cfg.ListUsers())
	case "bans":
		cfg, err := config.LoadConfig(o.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return listBans(stdout, cfg.Broker.Blacklist)
	case "add", "update", "remove", "enable", "disable":
		if o.username == "" {
			return errors.New("username is required")
		}
		return edit(o, stdout, func(cfg *config.Config) (string, error) {
			return editUser(cfg, o)
		})
	case "ban":
		return edit(o, stdout, func(cfg *config.Config) (string, error) {
			return addBan(cfg, o)
		})
	case "":
		fs.Usage()
		return errUsage
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", o.command)
		fs.Usage()
		return errUsage
	}
}

// edit loads the config file, applies change and writes the file back.
func edit(o options, stdout io.Writer, change func(*config.Config) (string, error)) error {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	msg, err := change(cfg)
	if err != nil {
		return err
	}
	if err := config.SaveConfig(cfg, o.configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Fprintln(stdout, msg)
	return nil
}

func editUser(cfg *config.Config, o options) (string, error) {
	switch o.command {
	case "add":
		if o.password == "" {
			return "", errors.New("password is required")
		}
		if err := cfg.AddUser(o.username, o.password, o.algorithm, o.enabled); err != nil {
			return "", fmt.Errorf("failed to add user: %w", err)
		}
		return fmt.Sprintf("User '%s' added (algorithm: %s, status: %s)", o.username, o.algorithm, status(o.enabled)), nil
	case "update":
		if err := cfg.UpdateUser(o.username, o.password, o.algorithm, o.enabled); err != nil {
			return "", fmt.Errorf("failed to update user: %w", err)
		}
		return fmt.Sprintf("User '%s' updated", o.username), nil
	case "remove":
		if err := cfg.RemoveUser(o.username); err != nil {
			return "", fmt.Errorf("failed to remove user: %w", err)
		}
		return fmt.Sprintf("User '%s' removed", o.username), nil
	default:
		enabled := o.command == "enable"
		if err := cfg.UpdateUser(o.username, "", "", enabled); err != nil {
			return "", fmt.Errorf("failed to update user: %w", err)
		}
		return fmt.Sprintf("User '%s' %s", o.username, status(enabled)), nil
	}
}

// addBan appends a ban and enables the blacklist. The new entry is checked
// by loading every configured ban into a scratch manager.
func addBan(cfg *config.Config, o options) (string, error) {
	bl := &cfg.Broker.Blacklist
	bl.Entries = append(bl.Entries, config.BlacklistEntryConfig{
		Type:    o.banType,
		Value:   o.banValue,
		Pattern: o.banRegexp,
		Reason:  o.reason,
	})
	if err := cfg.ConfigureBlacklist(blacklist.NewManager()); err != nil {
		return "", err
	}
	bl.Enabled = true
	if bl.CleanupInterval <= 0 {
		bl.CleanupInterval = config.DefaultConfig().Broker.Blacklist.CleanupInterval
	}
	return fmt.Sprintf("Banned %s %s%s", o.banType, o.banValue, o.banRegexp), nil
}

func listUsers(w io.Writer, users []config.UserConfig) error {
	if len(users) == 0 {
		fmt.Fprintln(w, "No users configured")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tALGORITHM\tENABLED\tPASSWORD")
	for _, user := range users {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", user.Username, user.Algorithm, user.Enabled, mask(user.Password))
	}
	return tw.Flush()
}

func listBans(w io.Writer, bl config.BlacklistConfig) error {
	if len(bl.Entries) == 0 {
		fmt.Fprintln(w, "No bans configured")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "TYPE\tVALUE\tPATTERN\tREASON\t(blacklist %s)\n", status(bl.Enabled))
	for _, e := range bl.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", e.Type, e.Value, e.Pattern, e.Reason)
	}
	return tw.Flush()
}

func mask(password string) string {
	switch {
	case len(password) > 8:
		return password[:4] + "****" + password[len(password)-4:]
	case len(password) > 4:
		return password[:2] + "****" + password[len(password)-2:]
	default:
		return "****"
	}
}

func status(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
