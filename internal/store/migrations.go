package store

import "broadcast-platform/pkg/utils"

var Migrations = []utils.Migration{{
	Name: "0100_broadcasts",
	SQL: `
CREATE TABLE IF NOT EXISTS broadcasts (
  id               TEXT PRIMARY KEY,
  title            TEXT NOT NULL,
  message          TEXT NOT NULL,
  sms_message      TEXT NOT NULL DEFAULT '',
  audio_file_url   TEXT NOT NULL DEFAULT '',
  type             TEXT NOT NULL,
  priority         TEXT NOT NULL,
  status           TEXT NOT NULL,
  max_retries      INT NOT NULL,
  total_recipients INT NOT NULL,
  success_count    INT NOT NULL DEFAULT 0,
  failure_count    INT NOT NULL DEFAULT 0,
  average_duration INT NOT NULL DEFAULT 0,
  created_by       TEXT NOT NULL,
  created_at       TIMESTAMPTZ NOT NULL,
  updated_at       TIMESTAMPTZ NOT NULL,
  scheduled_at     TIMESTAMPTZ,
  started_at       TIMESTAMPTZ,
  completed_at     TIMESTAMPTZ,
  cancelled_at     TIMESTAMPTZ,
  cancelled_by     TEXT NOT NULL DEFAULT '',
  cancel_reason    TEXT NOT NULL DEFAULT '',
  failure_reason   TEXT NOT NULL DEFAULT '',
  CHECK (success_count + failure_count <= total_recipients)
);
CREATE INDEX IF NOT EXISTS broadcasts_status_idx ON broadcasts (status, scheduled_at);
CREATE INDEX IF NOT EXISTS broadcasts_created_by_idx ON broadcasts (created_by, created_at DESC);

CREATE TABLE IF NOT EXISTS broadcast_recipients (
  broadcast_id    TEXT NOT NULL REFERENCES broadcasts(id) ON DELETE CASCADE,
  position        INT NOT NULL,
  phone_number    TEXT NOT NULL,
  employee_id     TEXT NOT NULL DEFAULT '',
  employee_name   TEXT NOT NULL DEFAULT '',
  status          TEXT NOT NULL,
  attempts        INT NOT NULL DEFAULT 0,
  last_attempt_at TIMESTAMPTZ,
  duration        INT NOT NULL DEFAULT 0,
  error_message   TEXT NOT NULL DEFAULT '',
  tally           TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (broadcast_id, phone_number)
);

CREATE TABLE IF NOT EXISTS call_attempts (
  id             TEXT PRIMARY KEY,
  broadcast_id   TEXT NOT NULL REFERENCES broadcasts(id) ON DELETE CASCADE,
  phone_number   TEXT NOT NULL,
  attempt_number INT NOT NULL,
  trunk_id       TEXT NOT NULL DEFAULT '',
  start_time     TIMESTAMPTZ NOT NULL,
  end_time       TIMESTAMPTZ,
  answered       BOOLEAN NOT NULL,
  dtmf_confirmed BOOLEAN NOT NULL,
  duration       INT,
  status         TEXT NOT NULL,
  failure_reason TEXT NOT NULL DEFAULT '',
  UNIQUE (broadcast_id, phone_number, attempt_number)
);

CREATE TABLE IF NOT EXISTS sms_results (
  id            TEXT PRIMARY KEY,
  broadcast_id  TEXT NOT NULL REFERENCES broadcasts(id) ON DELETE CASCADE,
  employee_id   TEXT NOT NULL DEFAULT '',
  employee_name TEXT NOT NULL DEFAULT '',
  phone_number  TEXT NOT NULL,
  kind          TEXT NOT NULL,
  sent_at       TIMESTAMPTZ NOT NULL,
  status        TEXT NOT NULL,
  message_id    TEXT NOT NULL DEFAULT '',
  error         TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS sms_results_once_idx ON sms_results (broadcast_id, phone_number, kind);
`,
}}
