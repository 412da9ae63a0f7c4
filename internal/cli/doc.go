// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the ztgate command tree.
//
// # Commands
//
//	ztgate serve                       run the gateway
//	ztgate hash-password               bcrypt a secret read from stdin
//	ztgate enroll <operator>           issue a one-time-code secret
//	ztgate operators add               append an operator to the operators file
//	ztgate audit query                 filter events in an audit database
//	ztgate audit verify                check an audit database's hash chain
//	ztgate policy check                evaluate the decision rule offline
//	ztgate version                     print build information
//
// Every command accepts --config and --env-file. A .env file in the working
// directory is loaded if present; variables already set in the environment
// win. Commands that print structured data accept --output json.
//
// Errors map to process exit codes through ExitCode so scripts can tell a
// usage mistake from a broken audit chain.
package cli
