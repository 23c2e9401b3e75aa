// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockclient

import (
	"context"
	"fmt"
	"iter"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/cogniflight/cmdsock/pkg/docstream"
	"github.com/cogniflight/cmdsock/pkg/sockproto"
)

const (
	HomeDir      = "/home"
	PasswdDir    = "/etc/passwd"
	ProfileFile  = "user.profile"
	LsTimeLayout = "Jan _2 15:04 2006"
	PilotTag     = "pilot"
	InviteBytes  = 16
)

var tokenRe = regexp.MustCompile(`^[0-9a-fA-F]+$`)

type FsEntry struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

func (e FsEntry) IsDir() bool {
	return e.Type == "directory"
}

type FsPermissions struct {
	ReadTags             []string `yaml:"readtags"`
	WriteTags            []string `yaml:"writetags"`
	ExecuteTags          []string `yaml:"executetags"`
	UpdatePermissionTags []string `yaml:"updatepermissiontags"`
}

type FsEntryLong struct {
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type"`
	Permissions  FsPermissions `yaml:"permissions"`
	FileCount    int           `yaml:"file_count"`
	FileSize     int64         `yaml:"file_size"`
	ModifiedTime string        `yaml:"modified_time"`
}

func (e FsEntryLong) IsDir() bool {
	return e.Type == "directory"
}

func (e FsEntryLong) ModTime() (time.Time, error) {
	return time.Parse(LsTimeLayout, e.ModifiedTime)
}

type Identity struct {
	Type      string         `yaml:"type"`
	Id        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Email     string         `yaml:"email"`
	Phone     string         `yaml:"phone"`
	Role      string         `yaml:"role"`
	EdgeId    string         `yaml:"edge_id"`
	PilotInfo map[string]any `yaml:"pilotInfo"`
}

// LoginEntry is the public part of /etc/passwd/<user>.login; the password hash is never kept
type LoginEntry struct {
	Tags []string `yaml:"tags"`
}

type UserRecord struct {
	Username string
	Tags     []string
	Profile  map[string]any
}

func (u UserRecord) HasTag(tag string) bool {
	return slices.Contains(u.Tags, tag)
}

type Invite struct {
	Tags            []string
	HomePermissions *FsPermissions
	Extra           map[string]any
}

func quote(s string) string {
	return shellescape.Quote(s)
}

// RunCommandChecked is RunCommand that turns a non-zero exit or a disconnect into a *CommandError
func (b *BatchSession) RunCommandChecked(ctx context.Context, command string, input iter.Seq[sockproto.Payload]) (*CommandResult, error) {
	res, err := b.RunCommand(ctx, command, input)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return res, &CommandError{Command: command, ExitCode: res.ExitCode, Stderr: res.Error}
	}
	return res, nil
}

func (b *BatchSession) runYaml(ctx context.Context, command string, out any) error {
	res, err := b.RunCommandChecked(ctx, command, nil)
	if err != nil {
		return err
	}
	var value any
	if err := docstream.UnmarshalText(res.Output, &value); err != nil {
		return fmt.Errorf("cannot parse output of %q: %w", command, err)
	}
	if value == nil {
		return nil
	}
	return docstream.DecodeValue(value, out)
}

// Ls runs "ls -y <dir>"
func (b *BatchSession) Ls(ctx context.Context, dir string) ([]FsEntry, error) {
	var entries []FsEntry
	if err := b.runYaml(ctx, "ls -y "+quote(dir), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// LsLong runs "ls -ly <dir>"
func (b *BatchSession) LsLong(ctx context.Context, dir string) ([]FsEntryLong, error) {
	var entries []FsEntryLong
	if err := b.runYaml(ctx, "ls -ly "+quote(dir), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (b *BatchSession) ReadFile(ctx context.Context, filePath string) (string, error) {
	res, err := b.RunCommandChecked(ctx, "cat "+quote(filePath), nil)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// WriteFile replaces filePath with content through "tee"
func (b *BatchSession) WriteFile(ctx context.Context, filePath string, content string) error {
	_, err := b.RunCommandChecked(ctx, "tee "+quote(filePath), TextInput(content))
	return err
}

func (b *BatchSession) Whoami(ctx context.Context) (*Identity, error) {
	var ident Identity
	if err := b.runYaml(ctx, "whoami", &ident); err != nil {
		return nil, err
	}
	return &ident, nil
}

func (b *BatchSession) ReadProfile(ctx context.Context, username string) (map[string]any, error) {
	profile := make(map[string]any)
	if err := b.runYaml(ctx, "cat "+quote(path.Join(HomeDir, username, ProfileFile)), &profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func loginPath(username string) string {
	return path.Join(PasswdDir, username+".login")
}

func (b *BatchSession) ReadLogin(ctx context.Context, username string) (*LoginEntry, error) {
	var entry LoginEntry
	if err := b.runYaml(ctx, "cat "+quote(loginPath(username)), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListUsers reads every home directory's profile and login file. Users whose files cannot be read are skipped.
func (b *BatchSession) ListUsers(ctx context.Context) ([]UserRecord, error) {
	return b.listUsers(ctx, true, nil)
}

// ListPilots is ListUsers filtered to the pilot tag. Without verbose the profiles are not read.
func (b *BatchSession) ListPilots(ctx context.Context, verbose bool) ([]UserRecord, error) {
	return b.listUsers(ctx, verbose, func(u UserRecord) bool { return u.HasTag(PilotTag) })
}

func (b *BatchSession) listUsers(ctx context.Context, withProfile bool, filter func(UserRecord) bool) ([]UserRecord, error) {
	entries, err := b.Ls(ctx, HomeDir)
	if err != nil {
		return nil, err
	}
	var users []UserRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		login, err := b.ReadLogin(ctx, entry.Name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.logf("skipping user %s: %v\n", entry.Name, err)
			continue
		}
		user := UserRecord{Username: entry.Name, Tags: login.Tags}
		if filter != nil && !filter(user) {
			continue
		}
		if withProfile {
			profile, err := b.ReadProfile(ctx, entry.Name)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				b.logf("no profile for %s: %v\n", entry.Name, err)
			}
			user.Profile = profile
		}
		users = append(users, user)
	}
	return users, nil
}

// CreateInviteToken generates a token with "crypto-rand" and writes the matching signup file
func (b *BatchSession) CreateInviteToken(ctx context.Context, invite Invite) (string, error) {
	if len(invite.Tags) == 0 {
		return "", fmt.Errorf("invite needs at least one tag")
	}
	res, err := b.RunCommandChecked(ctx, fmt.Sprintf("crypto-rand -f hex %d", InviteBytes), nil)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(res.Output)
	if !tokenRe.MatchString(token) {
		return "", fmt.Errorf("crypto-rand returned an invalid token %q", token)
	}
	signup := make(map[string]any, len(invite.Extra)+2)
	for k, v := range invite.Extra {
		signup[k] = v
	}
	signup["tags"] = invite.Tags
	if invite.HomePermissions != nil {
		signup["home_permissions"] = invite.HomePermissions
	}
	data, err := docstream.MarshalCRLF(signup)
	if err != nil {
		return "", err
	}
	if err := b.WriteFile(ctx, path.Join(PasswdDir, token+".signup"), string(data)); err != nil {
		return "", err
	}
	return token, nil
}

// UpdateTags rewrites the tags of /etc/passwd/<user>.login, keeping every other key
func (b *BatchSession) UpdateTags(ctx context.Context, username string, add []string, remove []string) ([]string, error) {
	text, err := b.ReadFile(ctx, loginPath(username))
	if err != nil {
		return nil, err
	}
	login := make(map[string]any)
	if err := docstream.UnmarshalText(text, &login); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", loginPath(username), err)
	}
	var current LoginEntry
	if err := docstream.DecodeValue(login, &current); err != nil {
		return nil, fmt.Errorf("cannot read tags of %s: %w", username, err)
	}
	tags := MergeTags(current.Tags, add, remove)
	login["tags"] = tags
	data, err := docstream.MarshalCRLF(login)
	if err != nil {
		return nil, err
	}
	if err := b.WriteFile(ctx, loginPath(username), string(data)); err != nil {
		return nil, err
	}
	return tags, nil
}

// MergeTags removes then appends, de-duplicating while keeping first-seen order
func MergeTags(current []string, add []string, remove []string) []string {
	rtn := make([]string, 0, len(current)+len(add))
	seen := make(map[string]bool)
	for _, tag := range slices.Concat(current, add) {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] || slices.Contains(remove, tag) {
			continue
		}
		seen[tag] = true
		rtn = append(rtn, tag)
	}
	return rtn
}
