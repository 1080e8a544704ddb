// Copyright 2021-2022
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package messenger

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// JobEvent announces a job lifecycle transition on the message bus so other
// systems can react without polling the API.
type JobEvent struct {
	JobType   string    `json:"job_type"`
	JobID     uuid.UUID `json:"job_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	EventTime time.Time `json:"event_time"`
}

// PublishJobEvent fires a job event on aq.jobs.<job_type>. Publication is
// best effort; a failed publish is logged and never fails the job itself.
func PublishJobEvent(jobType string, jobID uuid.UUID, status string, jobErr string) {
	if jetStream == nil {
		return
	}

	event := JobEvent{
		JobType:   jobType,
		JobID:     jobID,
		Status:    status,
		Error:     jobErr,
		EventTime: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("could not serialize job event")
		return
	}

	subject := fmt.Sprintf("aq.jobs.%s", jobType)
	if _, err := jetStream.PublishAsync(subject, payload); err != nil {
		log.Error().Err(err).Str("Subject", subject).Msg("could not publish job event")
	}
}
