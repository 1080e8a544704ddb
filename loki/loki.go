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

// Package loki ships log lines to a Grafana Loki server through its JSON
// push API. The writer plugs into zerolog as an additional log output.
package loki

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/viper"
)

const (
	contentType  = "application/json"
	postPath     = "/loki/api/v1/push"
	maxErrMsgLen = 1024
)

type line struct {
	ts   time.Time
	text string
}

// Writer batches log lines and pushes them to Loki. It implements io.Writer
// so it can sit behind a zerolog MultiLevelWriter; writes never block on the
// network.
type Writer struct {
	lokiURL   string
	batchWait time.Duration
	batchSize int
	labels    map[string]string
	lineChan  chan line
	wg        sync.WaitGroup
}

// New builds a writer posting to lokiURL. Batches flush when they reach
// batchSize bytes or after batchWait, whichever comes first. Labels identify
// the stream; an env label is added from EXECUTION_ENVIRONMENT.
func New(lokiURL string, batchSize int, batchWait time.Duration, labels map[string]string) (*Writer, error) {
	writer := &Writer{
		lokiURL:   lokiURL,
		batchSize: batchSize,
		batchWait: batchWait,
		labels:    make(map[string]string, len(labels)+1),
		lineChan:  make(chan line, 1024),
	}
	for key, value := range labels {
		writer.labels[key] = value
	}
	if execEnv, ok := os.LookupEnv("EXECUTION_ENVIRONMENT"); ok {
		writer.labels["env"] = execEnv
	} else {
		writer.labels["env"] = "test"
	}

	u, err := url.Parse(lokiURL)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(u.Path, postPath) {
		u.Path = postPath
		writer.lokiURL = u.String()
	}

	writer.wg.Add(1)
	go writer.run()
	return writer, nil
}

// NewFromConfig builds a writer from the log.loki_url setting; it returns
// nil when no Loki server is configured.
func NewFromConfig(app string) (*Writer, error) {
	lokiURL := viper.GetString("log.loki_url")
	if lokiURL == "" {
		return nil, nil
	}
	return New(lokiURL, 102_400, time.Second, map[string]string{"app": app})
}

// Write queues one log line. The line is copied; zerolog reuses the buffer.
func (writer *Writer) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\n")
	select {
	case writer.lineChan <- line{ts: time.Now(), text: text}:
	default:
		// drop rather than stall the application on a slow Loki
	}
	return len(p), nil
}

// Close flushes pending lines and stops the background sender.
func (writer *Writer) Close() {
	close(writer.lineChan)
	writer.wg.Wait()
}

func (writer *Writer) run() {
	defer writer.wg.Done()

	var batch []line
	batchBytes := 0
	maxWait := time.NewTimer(writer.batchWait)
	defer maxWait.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := writer.sendBatch(batch); err != nil {
			fmt.Fprintf(os.Stderr, "%v ERROR: loki push: %v\n", time.Now(), err)
		}
		batch = nil
		batchBytes = 0
	}
	defer flush()

	for {
		select {
		case entry, ok := <-writer.lineChan:
			if !ok {
				return
			}
			batch = append(batch, entry)
			batchBytes += len(entry.text)
			if batchBytes >= writer.batchSize {
				flush()
				maxWait.Reset(writer.batchWait)
			}
		case <-maxWait.C:
			flush()
			maxWait.Reset(writer.batchWait)
		}
	}
}

func (writer *Writer) sendBatch(batch []line) error {
	values := make([][2]string, 0, len(batch))
	lastTS := time.Time{}
	for _, entry := range batch {
		ts := entry.ts
		// Loki rejects out of order entries within a stream
		if ts.Before(lastTS) {
			ts = lastTS
		}
		lastTS = ts
		values = append(values, [2]string{strconv.FormatInt(ts.UnixNano(), 10), entry.text})
	}

	push := map[string]interface{}{
		"streams": []map[string]interface{}{
			{"stream": writer.labels, "values": values},
		},
	}
	payload, err := json.Marshal(push)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return writer.send(ctx, payload)
}

func (writer *Writer) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, writer.lokiURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		scanner := bufio.NewScanner(io.LimitReader(resp.Body, maxErrMsgLen))
		detail := ""
		if scanner.Scan() {
			detail = scanner.Text()
		}
		return fmt.Errorf("server returned HTTP status %s: %s", resp.Status, detail)
	}
	return nil
}
