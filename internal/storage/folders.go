// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jeranaias/rigchat/internal/model"
)

// ListFolders returns folders ordered by name, then creation time.
func (r *Repository) ListFolders(ctx context.Context) ([]model.Folder, error) {
	var out []model.Folder
	err := r.view(ctx, "list_folders", func(st *state) error {
		out = make([]model.Folder, len(st.Folders))
		copy(out, st.Folders)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

// GetFolder returns one folder.
func (r *Repository) GetFolder(ctx context.Context, id string) (*model.Folder, error) {
	var out *model.Folder
	err := r.view(ctx, "get_folder", func(st *state) error {
		f := st.folder(id)
		if f == nil {
			return fmt.Errorf("%w: %s", ErrFolderNotFound, id)
		}
		cp := *f
		out = &cp
		return nil
	})
	return out, err
}

// CreateFolder adds a folder. Names need not be unique.
func (r *Repository) CreateFolder(ctx context.Context, name string) (*model.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyFolderName
	}
	f := model.Folder{ID: r.newID(), Name: name, CreatedAt: r.stamp()}
	err := r.update(ctx, "create_folder", func(st *state) error {
		st.Folders = append(st.Folders, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// RenameFolder changes a folder's name.
func (r *Repository) RenameFolder(ctx context.Context, id, name string) (*model.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyFolderName
	}
	var out *model.Folder
	err := r.update(ctx, "rename_folder", func(st *state) error {
		f := st.folder(id)
		if f == nil {
			return fmt.Errorf("%w: %s", ErrFolderNotFound, id)
		}
		f.Name = name
		cp := *f
		out = &cp
		return nil
	})
	return out, err
}

// DeleteFolder removes a folder and unfiles the conversations that pointed
// at it; the conversations themselves survive. Unknown IDs are a no-op.
func (r *Repository) DeleteFolder(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return r.update(ctx, "delete_folder", func(st *state) error {
		kept := st.Folders[:0]
		for _, f := range st.Folders {
			if f.ID != id {
				kept = append(kept, f)
			}
		}
		st.Folders = kept

		for i := range st.Conversations {
			if st.Conversations[i].FolderID == id {
				st.Conversations[i].FolderID = ""
				r.touch(&st.Conversations[i])
			}
		}
		return nil
	})
}

// MoveConversationToFolder files a conversation under folderID, or unfiles
// it when folderID is empty.
func (r *Repository) MoveConversationToFolder(ctx context.Context, conversationID, folderID string) (*model.Conversation, error) {
	return r.UpdateConversation(ctx, conversationID, ConversationPatch{FolderID: &folderID})
}
