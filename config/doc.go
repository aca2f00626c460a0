// Copyright (c) bin2nlp Authors.
// Use of this source code is governed by a BSD-style license.

/*
Package config loads and validates the service's runtime configuration.

# Overview

Configuration merges three sources in order: built-in defaults, an
optional YAML file, then environment variables. Environment variables
always win, which keeps container deployments simple without losing a
readable file for local development.

# Core types

  - Config: the top-level aggregate, covering App, API, KV, Analysis,
    Security, Cache, LLM and Log settings.
  - Loader: builder-style loader exposing WithConfigPath, WithEnvPrefix
    and WithValidator.

# Usage

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("BIN2NLP").
		Load()
*/
package config
