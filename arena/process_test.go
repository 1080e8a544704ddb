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

package arena_test

import (
	"context"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arena-quant/aq-api/arena"
	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/queue"
)

// fakeArenaSource exposes a fakeRepo through the queue.Source seam; only the
// cancellation probe matters to the processor tests.
type fakeArenaSource struct {
	repo *fakeRepo
}

func (source *fakeArenaSource) Name() string { return "arena" }

func (source *fakeArenaSource) ClaimNext(_ context.Context, _ string) (queue.Job, error) {
	return nil, nil
}

func (source *fakeArenaSource) Heartbeat(_ context.Context, _ uuid.UUID) error { return nil }

func (source *fakeArenaSource) IsCancelled(ctx context.Context, jobID uuid.UUID) (bool, error) {
	sim, err := source.repo.GetSimulation(ctx, jobID)
	if err != nil {
		return false, err
	}
	return sim.Status == arena.StatusCancelled, nil
}

func (source *fakeArenaSource) MarkCompleted(_ context.Context, _ uuid.UUID) error { return nil }

func (source *fakeArenaSource) MarkFailed(_ context.Context, _ uuid.UUID, _ string) error {
	return nil
}

func (source *fakeArenaSource) ResetStale(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func (source *fakeArenaSource) ResetStranded(_ context.Context) (int64, error) { return 0, nil }

var _ = Describe("simulation processor", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("runs a claimed simulation to completion", func() {
		sim := newSimulation([]string{"AAPL"}, "2024-01-02", "2024-01-05", "noop", nil)
		repo := newFakeRepo(sim)
		engine := arena.NewEngine(repo, &fakeBars{bars: map[string][]*data.PriceBar{"AAPL": flatBars("2024-01-02", "2024-01-05", 100)}},
			&fakeSectors{sectors: map[string]string{"AAPL": "Technology"}})
		processor := arena.NewProcessor(&fakeArenaSource{repo: repo}, engine)

		claimed, err := repo.GetSimulation(ctx, sim.ID)
		Expect(err).To(BeNil())
		Expect(processor.Process(ctx, "arena-test", claimed)).To(Succeed())

		stored, err := repo.GetSimulation(ctx, sim.ID)
		Expect(err).To(BeNil())
		Expect(stored.Status).To(Equal(arena.StatusCompleted))
		Expect(stored.CurrentDay).To(Equal(stored.TotalDays))
	})

	It("stops within one day of a cancellation, preserving progress", func() {
		sim := newSimulation([]string{"AAPL"}, "2024-01-02", "2024-05-24", "noop", nil)
		repo := newFakeRepo(sim)
		repo.onCommit = func(snapshot *arena.Snapshot) {
			if snapshot.DayNumber == 3 {
				repo.mutex.Lock()
				repo.sims[sim.ID].Status = arena.StatusCancelled
				repo.mutex.Unlock()
			}
		}
		engine := arena.NewEngine(repo, &fakeBars{bars: map[string][]*data.PriceBar{"AAPL": flatBars("2023-12-01", "2024-05-24", 100)}},
			&fakeSectors{sectors: map[string]string{"AAPL": "Technology"}})
		processor := arena.NewProcessor(&fakeArenaSource{repo: repo}, engine)

		claimed, err := repo.GetSimulation(ctx, sim.ID)
		Expect(err).To(BeNil())
		err = processor.Process(ctx, "arena-test", claimed)
		Expect(err).To(MatchError(queue.ErrJobCancelled))

		stored, err := repo.GetSimulation(ctx, sim.ID)
		Expect(err).To(BeNil())
		Expect(stored.Status).To(Equal(arena.StatusCancelled))
		Expect(stored.CurrentDay).To(Equal(4))
		Expect(stored.TotalDays).To(BeNumerically(">", 4))
		Expect(stored.FinalEquity).To(BeNil())

		snapshots, err := repo.GetSnapshots(ctx, sim.ID)
		Expect(err).To(BeNil())
		Expect(snapshots).To(HaveLen(4))
		for idx, snapshot := range snapshots {
			Expect(snapshot.DayNumber).To(Equal(idx))
		}
	})

	It("resumes after a worker death with the same end state", func() {
		config := map[string]interface{}{"buy_days": []string{"2024-01-02"}, "trailing_stop_pct": 5}
		bars := &fakeBars{bars: map[string][]*data.PriceBar{"AAPL": {
			bar("2024-01-02", 100, 100, 100, 100, 1000),
			bar("2024-01-03", 100, 110, 99, 108, 1000),
			bar("2024-01-04", 108, 112, 103, 110, 1000),
			bar("2024-01-05", 110, 110, 100, 101, 1000),
		}}}
		sectors := &fakeSectors{sectors: map[string]string{"AAPL": "Technology"}}

		interrupted := newSimulation([]string{"AAPL"}, "2024-01-02", "2024-01-05", "scripted", config)
		uninterrupted := newSimulation([]string{"AAPL"}, "2024-01-02", "2024-01-05", "scripted", config)
		repoA := newFakeRepo(interrupted)
		repoB := newFakeRepo(uninterrupted)

		// reference run, never interrupted
		engineB := arena.NewEngine(repoB, bars, sectors)
		Expect(engineB.InitializeSimulation(ctx, uninterrupted.ID)).To(Succeed())
		runToCompletion(engineB, uninterrupted.ID)

		// worker A commits two days and dies
		engineA := arena.NewEngine(repoA, bars, sectors)
		Expect(engineA.InitializeSimulation(ctx, interrupted.ID)).To(Succeed())
		for i := 0; i < 2; i++ {
			snapshot, err := engineA.StepDay(ctx, interrupted.ID)
			Expect(err).To(BeNil())
			Expect(snapshot).ToNot(BeNil())
		}

		// worker B claims the row and rebuilds state from the repository
		engineResumed := arena.NewEngine(repoA, bars, sectors)
		runToCompletion(engineResumed, interrupted.ID)

		simA, err := repoA.GetSimulation(ctx, interrupted.ID)
		Expect(err).To(BeNil())
		simB, err := repoB.GetSimulation(ctx, uninterrupted.ID)
		Expect(err).To(BeNil())
		Expect(simA.Status).To(Equal(arena.StatusCompleted))
		Expect(simA.CurrentDay).To(Equal(simB.CurrentDay))
		Expect(simA.FinalEquity).To(HaveValue(Equal(*simB.FinalEquity)))
		Expect(simA.TotalTrades).To(Equal(simB.TotalTrades))
		Expect(simA.WinningTrades).To(Equal(simB.WinningTrades))
		Expect(simA.TotalRealizedPnl).To(HaveValue(Equal(*simB.TotalRealizedPnl)))

		snapshotsA, err := repoA.GetSnapshots(ctx, interrupted.ID)
		Expect(err).To(BeNil())
		snapshotsB, err := repoB.GetSnapshots(ctx, uninterrupted.ID)
		Expect(err).To(BeNil())
		Expect(snapshotsA).To(HaveLen(len(snapshotsB)))
		for idx := range snapshotsA {
			Expect(snapshotsA[idx].DayNumber).To(Equal(snapshotsB[idx].DayNumber))
			Expect(snapshotsA[idx].SnapshotDate).To(Equal(snapshotsB[idx].SnapshotDate))
			Expect(snapshotsA[idx].Cash).To(Equal(snapshotsB[idx].Cash))
			Expect(snapshotsA[idx].PositionsValue).To(Equal(snapshotsB[idx].PositionsValue))
			Expect(snapshotsA[idx].TotalEquity).To(Equal(snapshotsB[idx].TotalEquity))
			Expect(snapshotsA[idx].DailyPnl).To(Equal(snapshotsB[idx].DailyPnl))
			Expect(snapshotsA[idx].CumulativeReturnPct).To(Equal(snapshotsB[idx].CumulativeReturnPct))
			Expect(snapshotsA[idx].OpenPositionCount).To(Equal(snapshotsB[idx].OpenPositionCount))
		}
	})
})
