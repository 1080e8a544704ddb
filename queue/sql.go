// Copyright 2021-2022
// SPDX-License-Identifier: Apache-2.0
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

package queue

import "fmt"

// The job tables differ only in their payload columns; every queue statement
// is generated from the table name so the claim algorithm stays in one place.

// ClaimSQL claims the oldest pending row. SKIP LOCKED keeps concurrent
// workers from ever contending for the same row: each claimant either gets a
// distinct row or nothing. $1 is the worker id.
func ClaimSQL(table, columns string) string {
	return fmt.Sprintf(`UPDATE %[1]s SET status='running', worker_id=$1, claimed_at=now(), heartbeat_at=now(), updated_at=now() WHERE id = (SELECT id FROM %[1]s WHERE status='pending' ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED) RETURNING %[2]s`, table, columns)
}

// HeartbeatSQL refreshes the lease on a running job. $1 is the job id.
func HeartbeatSQL(table string) string {
	return fmt.Sprintf(`UPDATE %s SET heartbeat_at=now(), updated_at=now() WHERE id=$1 AND status='running'`, table)
}

// StatusSQL reads the current status of a job. $1 is the job id.
func StatusSQL(table string) string {
	return fmt.Sprintf(`SELECT status FROM %s WHERE id=$1`, table)
}

// CompleteSQL transitions a running job to completed and releases the claim.
// A row whose processor already wrote the completed status still gets its
// worker_id and claimed_at cleared. $1 is the job id.
func CompleteSQL(table string) string {
	return fmt.Sprintf(`UPDATE %s SET status='completed', worker_id=NULL, claimed_at=NULL, updated_at=now() WHERE id=$1 AND status IN ('running', 'completed')`, table)
}

// FailSQL records a job failure in one statement: while retries remain the
// row returns to pending with the error preserved, otherwise it lands in
// failed. retry_count counts requeues, so the terminal transition leaves it
// untouched. $1 is the job id, $2 the error text.
func FailSQL(table string) string {
	return fmt.Sprintf(`UPDATE %s SET status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END, retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END, last_error=$2, worker_id=NULL, claimed_at=NULL, updated_at=now() WHERE id=$1 AND status='running'`, table)
}

// ResetStaleSQL requeues running jobs whose heartbeat has lapsed. $1 is the
// stale threshold as an interval.
func ResetStaleSQL(table string) string {
	return fmt.Sprintf(`UPDATE %s SET status='pending', worker_id=NULL, claimed_at=NULL, updated_at=now() WHERE status='running' AND heartbeat_at < now() - $1::interval`, table)
}

// ResetStrandedSQL requeues every running job. Only safe at startup, before
// any worker holds a claim.
func ResetStrandedSQL(table string) string {
	return fmt.Sprintf(`UPDATE %s SET status='pending', worker_id=NULL, claimed_at=NULL, updated_at=now() WHERE status='running'`, table)
}
