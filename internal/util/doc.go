// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides file helpers shared by the ztgate tools.
//
// The operators file and saved configuration are rewritten in place while
// a running gateway may be watching them, so every rewrite goes through
// AtomicWriteFile: readers see either the old file or the new one, never a
// partial write.
//
// # Usage
//
//	data, ok, err := util.ReadFileIfExists(path)
//	// ... modify ...
//	err = util.AtomicWriteFile(path, data, 0o600)
package util
