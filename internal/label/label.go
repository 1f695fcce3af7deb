/*
Maildeck - Multi-tenant mail delivery core.
Copyright © 2024-2026 Maildeck contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package label implements the slash-hierarchical folder model. Hierarchy
// lives in the names, not in foreign keys: "Work/Projects" is a child of
// "Work" purely by prefix, which makes rename and delete prefix rewrites.
package label

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/maildeck/maildeck/framework/exterrors"
	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/db"
)

type Engine struct {
	db  *gorm.DB
	log log.Logger
}

func NewEngine(gdb *gorm.DB, l log.Logger) *Engine {
	return &Engine{db: gdb, log: l}
}

// Depth is the number of slashes in a label name.
func Depth(name string) int { return strings.Count(name, "/") }

// Basename is the last path segment of a label name.
func Basename(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// ParentName is the name prefix up to the last slash, or "" for roots.
func ParentName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i]
	}
	return ""
}

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify derives the unique-per-mailbox slug: slashes become dashes,
// diacritics are stripped, everything else non-alphanumeric collapses to
// single dashes.
func Slugify(name string) string {
	flat, _, err := transform.String(deaccent, name)
	if err != nil {
		flat = name
	}

	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(flat) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Create makes a label and any missing ancestors in the same mailbox.
// Missing parents inherit the child's color; existing ones keep theirs.
// A duplicate slug is a conflict.
func (e *Engine) Create(ctx context.Context, mailboxID, name, color, description string) (*db.Label, error) {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return nil, &exterrors.ValidationError{Field: "name", Message: "empty label name"}
	}

	var created *db.Label
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if existing, err := e.bySlug(tx, mailboxID, Slugify(name)); err != nil {
			return err
		} else if existing != nil {
			return &exterrors.Conflict{Resource: "label", Key: existing.Slug}
		}

		for _, ancestor := range ancestors(name) {
			if _, err := e.ensure(tx, mailboxID, ancestor, color, "", false); err != nil {
				return err
			}
		}

		var err error
		created, err = e.ensure(tx, mailboxID, name, color, description, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ApplyAuto attaches the named labels to a thread, creating missing ones as
// auto labels. Used by the inbound pipeline for imported folder names.
func (e *Engine) ApplyAuto(ctx context.Context, mailboxID, threadID string, names []string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range names {
			name = strings.Trim(strings.TrimSpace(name), "/")
			if name == "" {
				continue
			}
			for _, ancestor := range ancestors(name) {
				if _, err := e.ensureAuto(tx, mailboxID, ancestor); err != nil {
					return err
				}
			}
			lbl, err := e.ensureAuto(tx, mailboxID, name)
			if err != nil {
				return err
			}
			if err := attachThread(tx, lbl.ID, threadID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Rename changes a label's name and rewrites every descendant's prefix.
func (e *Engine) Rename(ctx context.Context, labelID, newName string) error {
	newName = strings.Trim(strings.TrimSpace(newName), "/")
	if newName == "" {
		return &exterrors.ValidationError{Field: "name", Message: "empty label name"}
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lbl db.Label
		if err := tx.First(&lbl, "id = ?", labelID).Error; err != nil {
			return err
		}
		if lbl.Name == newName {
			return nil
		}

		if existing, err := e.bySlug(tx, lbl.MailboxID, Slugify(newName)); err != nil {
			return err
		} else if existing != nil && existing.ID != lbl.ID {
			return &exterrors.Conflict{Resource: "label", Key: existing.Slug}
		}

		var descendants []db.Label
		err := tx.Where("mailbox_id = ? AND name LIKE ?", lbl.MailboxID, lbl.Name+"/%").
			Find(&descendants).Error
		if err != nil {
			return err
		}

		oldPrefix := lbl.Name + "/"
		lbl.Name = newName
		lbl.Slug = Slugify(newName)
		if err := tx.Save(&lbl).Error; err != nil {
			return err
		}
		for i := range descendants {
			d := &descendants[i]
			d.Name = newName + "/" + strings.TrimPrefix(d.Name, oldPrefix)
			d.Slug = Slugify(d.Name)
			if err := tx.Save(d).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a label and every descendant. Thread associations are
// removed; the threads persist.
func (e *Engine) Delete(ctx context.Context, labelID string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lbl db.Label
		if err := tx.First(&lbl, "id = ?", labelID).Error; err != nil {
			return err
		}

		var doomed []db.Label
		err := tx.Where("mailbox_id = ? AND (id = ? OR name LIKE ?)",
			lbl.MailboxID, lbl.ID, lbl.Name+"/%").
			Find(&doomed).Error
		if err != nil {
			return err
		}

		for i := range doomed {
			if err := tx.Model(&doomed[i]).Association("Threads").Clear(); err != nil {
				return err
			}
			if err := tx.Delete(&doomed[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// AddThreads attaches threads to the label on behalf of a user. The user
// needs editor or better on the label's mailbox and the mailbox needs at
// least viewer access on every thread.
func (e *Engine) AddThreads(ctx context.Context, userID, labelID string, threadIDs []string) error {
	return e.mutateThreads(ctx, userID, labelID, threadIDs, attachThread)
}

// RemoveThreads detaches threads from the label, with the same checks as
// AddThreads.
func (e *Engine) RemoveThreads(ctx context.Context, userID, labelID string, threadIDs []string) error {
	return e.mutateThreads(ctx, userID, labelID, threadIDs, detachThread)
}

func (e *Engine) mutateThreads(ctx context.Context, userID, labelID string, threadIDs []string, op func(*gorm.DB, string, string) error) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lbl db.Label
		if err := tx.First(&lbl, "id = ?", labelID).Error; err != nil {
			return err
		}
		if err := requireMailboxEditor(tx, lbl.MailboxID, userID); err != nil {
			return err
		}
		for _, threadID := range threadIDs {
			if err := requireThreadViewer(tx, threadID, lbl.MailboxID); err != nil {
				return err
			}
			if err := op(tx, lbl.ID, threadID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Node is one label with its children, both ordered by slug.
type Node struct {
	Label    db.Label
	Children []*Node
}

// Tree returns the mailbox's labels as a forest ordered by slug.
func (e *Engine) Tree(ctx context.Context, mailboxID string) ([]*Node, error) {
	var labels []db.Label
	err := e.db.WithContext(ctx).
		Where("mailbox_id = ?", mailboxID).
		Order("slug ASC").
		Find(&labels).Error
	if err != nil {
		return nil, err
	}
	return buildForest(labels), nil
}

// TreeForUser returns the forest spanning every mailbox the user can access.
func (e *Engine) TreeForUser(ctx context.Context, userID string) ([]*Node, error) {
	accessible := e.db.WithContext(ctx).
		Session(&gorm.Session{NewDB: true}).
		Model(&db.MailboxAccess{}).
		Select("mailbox_id").
		Where("user_id = ?", userID)

	var labels []db.Label
	err := e.db.WithContext(ctx).
		Where("mailbox_id IN (?)", accessible).
		Order("slug ASC").
		Find(&labels).Error
	if err != nil {
		return nil, err
	}
	return buildForest(labels), nil
}

func buildForest(labels []db.Label) []*Node {
	// Parent links never cross mailboxes, two mailboxes can use the same
	// label name.
	key := func(mailboxID, name string) string { return mailboxID + "\x00" + name }

	byName := make(map[string]*Node, len(labels))
	for _, lbl := range labels {
		byName[key(lbl.MailboxID, lbl.Name)] = &Node{Label: lbl}
	}

	var roots []*Node
	for _, lbl := range labels {
		node := byName[key(lbl.MailboxID, lbl.Name)]
		if parent, ok := byName[key(lbl.MailboxID, ParentName(lbl.Name))]; ok && parent != node {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}

	var sortNodes func(nodes []*Node)
	sortNodes = func(nodes []*Node) {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Label.Slug < nodes[j].Label.Slug })
		for _, n := range nodes {
			sortNodes(n.Children)
		}
	}
	sortNodes(roots)
	return roots
}

func (e *Engine) bySlug(tx *gorm.DB, mailboxID, slug string) (*db.Label, error) {
	var lbl db.Label
	err := tx.Where("mailbox_id = ? AND slug = ?", mailboxID, slug).First(&lbl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lbl, nil
}

func (e *Engine) ensure(tx *gorm.DB, mailboxID, name, color, description string, isAuto bool) (*db.Label, error) {
	if existing, err := e.bySlug(tx, mailboxID, Slugify(name)); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	lbl := db.Label{
		MailboxID:   mailboxID,
		Name:        name,
		Slug:        Slugify(name),
		Color:       color,
		Description: description,
		IsAuto:      isAuto,
	}
	if err := tx.Create(&lbl).Error; err != nil {
		return nil, err
	}
	return &lbl, nil
}

func (e *Engine) ensureAuto(tx *gorm.DB, mailboxID, name string) (*db.Label, error) {
	return e.ensure(tx, mailboxID, name, "", "", true)
}

// ancestors lists the proper prefixes of a name, shortest first.
func ancestors(name string) []string {
	var out []string
	for i, r := range name {
		if r == '/' {
			out = append(out, name[:i])
		}
	}
	return out
}

func attachThread(tx *gorm.DB, labelID, threadID string) error {
	return tx.Model(&db.Label{Base: db.Base{ID: labelID}}).
		Association("Threads").
		Append(&db.Thread{Base: db.Base{ID: threadID}})
}

func detachThread(tx *gorm.DB, labelID, threadID string) error {
	return tx.Model(&db.Label{Base: db.Base{ID: labelID}}).
		Association("Threads").
		Delete(&db.Thread{Base: db.Base{ID: threadID}})
}

func requireMailboxEditor(tx *gorm.DB, mailboxID, userID string) error {
	var access db.MailboxAccess
	err := tx.Where("mailbox_id = ? AND user_id = ?", mailboxID, userID).
		First(&access).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &exterrors.PermissionDenied{Resource: "mailbox " + mailboxID}
	}
	if err != nil {
		return err
	}
	switch access.Role {
	case db.RoleEditor, db.RoleSender, db.RoleAdmin:
		return nil
	default:
		return &exterrors.PermissionDenied{Resource: "mailbox " + mailboxID}
	}
}

func requireThreadViewer(tx *gorm.DB, threadID, mailboxID string) error {
	var n int64
	err := tx.Model(&db.ThreadAccess{}).
		Where("thread_id = ? AND mailbox_id = ?", threadID, mailboxID).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n == 0 {
		return &exterrors.PermissionDenied{Resource: "thread " + threadID}
	}
	return nil
}
