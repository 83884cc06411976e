// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

const configSchema = `{
  "$schema": "http://json-schema.org/draft/2020-12/schema",
  "title": "halia config file schema",
  "type": "object",
  "properties": {
    "addr": {
      "description": "Address where the http server will listen on",
      "type": "string"
    },
    "data-dir": {
      "description": "Directory holding the sqlite database and rule log files",
      "type": "string"
    },
    "loglevel": {
      "description": "Log level",
      "type": "string",
      "enum": ["debug", "info", "warn", "err", "fatal", "crit"]
    },
    "logdate": {
      "description": "Add date and time to log messages",
      "type": "boolean"
    }
  },
  "additionalProperties": false
}`
