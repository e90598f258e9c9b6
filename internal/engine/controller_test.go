package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/erp-aps-sync/internal/catalog"
	"github.com/johndauphine/erp-aps-sync/internal/config"
	"github.com/johndauphine/erp-aps-sync/internal/extract"
	"github.com/johndauphine/erp-aps-sync/internal/flag"
	"github.com/johndauphine/erp-aps-sync/internal/load"
	"github.com/johndauphine/erp-aps-sync/internal/notify"
	"github.com/johndauphine/erp-aps-sync/internal/reverse"
	"github.com/johndauphine/erp-aps-sync/internal/store"
	"github.com/johndauphine/erp-aps-sync/internal/store/storetest"
	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

const mirrorTable = "tb_lsb_int_programacao"

type memRecorder struct {
	mu   sync.Mutex
	runs []*SyncRun
}

func (r *memRecorder) Record(_ context.Context, run *SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *memRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type memNotifier struct {
	mu        sync.Mutex
	failures  []notify.FailureReport
	completed []notify.Summary
}

func (n *memNotifier) CycleFailed(_ context.Context, r notify.FailureReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, r)
	return nil
}

func (n *memNotifier) CycleCompleted(_ context.Context, s notify.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, s)
	return nil
}

type fixture struct {
	src, dest *storetest.Store
	flag      *storetest.Flag
	specs     []catalog.EntitySpec
	ctrl      *Controller
	rec       *memRecorder
	notes     *memNotifier

	mu         sync.Mutex
	extractErr map[string]error
	rows       map[string][][]any
}

func entityName(i int) string { return fmt.Sprintf("e%02d", i) }

func newFixture(t *testing.T, entities int, flagValue string) *fixture {
	t.Helper()
	f := &fixture{
		src:        storetest.New(),
		dest:       storetest.New(),
		rec:        &memRecorder{},
		notes:      &memNotifier{},
		extractErr: map[string]error{},
		rows:       map[string][][]any{},
	}
	f.flag = storetest.InstallFlag(f.src, "TB_CONFIG", flagValue)

	for i := 1; i <= entities; i++ {
		name := entityName(i)
		f.specs = append(f.specs, catalog.EntitySpec{
			Name:             name,
			Extraction:       catalog.Extraction{Function: "pkg.fc_return_rs_" + name},
			DestinationTable: "dbo." + name,
			Columns: []catalog.ColumnMapping{
				{Source: "ID", Dest: "id", Coercion: catalog.Int, Key: true},
				{Source: "NOME", Dest: "nome", Coercion: catalog.String},
			},
		})
		f.src.OnQuery("fc_return_rs_"+name+"()", func([]any) (*store.Rows, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if err := f.extractErr[name]; err != nil {
				return nil, err
			}
			rows, ok := f.rows[name]
			if !ok {
				rows = [][]any{{int64(1), " a "}, {int64(2), "b"}}
			}
			return storetest.RowsOf([]string{"ID", "NOME"}, rows...), nil
		})
	}

	f.dest.OnQuery("LSB_INT_Programacao", func([]any) (*store.Rows, error) {
		return storetest.RowsOf([]string{"ID_PROGRAMACAO", "RECURSO"},
			[]any{int64(10), "TORNO"},
			[]any{int64(11), "FRESA"},
		), nil
	})

	cat, err := catalog.New(f.specs)
	if err != nil {
		t.Fatalf("catalog.New() error: %v", err)
	}

	f.ctrl = New(cat, Deps{
		Gate: flag.New(f.src, config.FlagConfig{
			Table: "TB_CONFIG", ParamColumn: "PARAM", ValueColumn: "VALUE", Name: "RODA_INTEGRACAO_APS",
		}),
		Extractor: extract.New(f.src),
		Loader:    load.New(f.dest),
		Reverse: reverse.New(f.dest, f.src, config.ReverseConfig{
			SourceTable: "LSB_INT_Programacao",
			MirrorTable: mirrorTable,
			KeyColumns:  []string{"id_programacao"},
		}),
		Notifier: f.notes,
		Recorder: f.rec,
		Workers:  4,
	})
	return f
}

func (f *fixture) failExtraction(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractErr[name] = err
}

func (f *fixture) setRows(name string, rows [][]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[name] = rows
}

func (f *fixture) reverseAttempted() bool {
	return len(f.dest.Calls("LSB_INT_Programacao")) > 0
}

func TestSkippedWhenFlagIsNotS(t *testing.T) {
	f := newFixture(t, 12, "N")

	run, err := f.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	if run.Outcome != OutcomeSkipped {
		t.Errorf("Outcome = %s, want SKIPPED", run.Outcome)
	}
	if f.flag.Value() != "N" || f.flag.Writes() != 0 {
		t.Errorf("flag = %q after %d writes, want untouched N", f.flag.Value(), f.flag.Writes())
	}
	if len(f.src.Log) != 1 || f.flag.Reads() != 1 {
		t.Errorf("only the flag read may reach the source store, got %v", f.src.Log)
	}
	if len(f.dest.Log) != 0 {
		t.Errorf("destination store touched: %v", f.dest.Log)
	}
	if f.ctrl.State() != StateDone {
		t.Errorf("State() = %s, want DONE", f.ctrl.State())
	}
	if len(f.notes.failures) != 0 {
		t.Error("a skipped cycle must not alert")
	}
}

func TestFullCycle(t *testing.T) {
	f := newFixture(t, 12, "S")

	run, err := f.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	if run.Outcome != OutcomeDone {
		t.Fatalf("Outcome = %s (%s), want DONE", run.Outcome, run.Error)
	}
	if f.flag.Value() != "N" {
		t.Errorf("flag = %q, want N", f.flag.Value())
	}
	for _, spec := range f.specs {
		tbl := f.dest.Table(spec.DestinationTable)
		if tbl == nil || len(tbl.Rows) != 2 {
			t.Errorf("%s not loaded: %+v", spec.DestinationTable, tbl)
			continue
		}
		if tbl.Rows[0][1] != "a" {
			t.Errorf("%s row not transformed: %v", spec.DestinationTable, tbl.Rows[0])
		}
		if e := run.Entity(spec.Name); e.Status != StatusSuccess || e.RowsExtracted != 2 || e.RowsLoaded != 2 {
			t.Errorf("entity result = %+v", e)
		}
	}
	if mirror := f.src.Table(mirrorTable); mirror == nil || len(mirror.Rows) != 2 {
		t.Errorf("mirror table = %+v", mirror)
	}
	if run.ReverseSync.Status != StatusSuccess || run.ReverseSync.Rows != 2 || run.FlagReset != StatusSuccess {
		t.Errorf("run = %+v", run)
	}
	if run.RowsLoaded() != 24 {
		t.Errorf("RowsLoaded() = %d, want 24", run.RowsLoaded())
	}
	if f.rec.count() != 1 || len(f.notes.completed) != 1 || len(f.notes.failures) != 0 {
		t.Errorf("recorded %d, completed %d, failed %d", f.rec.count(), len(f.notes.completed), len(f.notes.failures))
	}
	if f.ctrl.State() != StateDone || f.ctrl.Last() != run {
		t.Errorf("State() = %s", f.ctrl.State())
	}
}

func TestExtractionFailureKeepsEarlierEntities(t *testing.T) {
	f := newFixture(t, 12, "S")
	f.failExtraction("e07", errors.New("ORA-04063: package body has errors"))

	run, err := f.ctrl.RunCycle(context.Background())
	var ee *syncerr.ExtractionError
	if !errors.As(err, &ee) || ee.EntityName != "e07" {
		t.Fatalf("expected ExtractionError for e07, got %v", err)
	}
	if run.Outcome != OutcomeFailed || run.FailedStage != syncerr.StageExtract || run.FailedEntity != "e07" {
		t.Errorf("run = %s at %s/%s", run.Outcome, run.FailedStage, run.FailedEntity)
	}

	for i := 1; i <= 12; i++ {
		name := entityName(i)
		tbl := f.dest.Table("dbo." + name)
		if i < 7 && (tbl == nil || len(tbl.Rows) != 2) {
			t.Errorf("%s should keep its committed load", name)
		}
		if i >= 7 && tbl != nil {
			t.Errorf("%s must not be loaded after the failure", name)
		}
	}
	if got := run.Entity("e07").Status; got != StatusFailed {
		t.Errorf("e07 status = %s", got)
	}
	if got := run.Entity("e08").Status; got != StatusNotRun {
		t.Errorf("e08 status = %s", got)
	}

	if f.flag.Value() != "S" || f.flag.Writes() != 0 {
		t.Error("flag must remain S")
	}
	if f.reverseAttempted() {
		t.Error("reverse sync must not run after a failed entity")
	}
	if len(f.notes.failures) != 1 || f.notes.failures[0].Entity != "e07" {
		t.Errorf("failure reports = %+v", f.notes.failures)
	}
	if f.ctrl.State() != StateFailed {
		t.Errorf("State() = %s, want FAILED", f.ctrl.State())
	}
}

func TestRetryAfterFailureIsIdempotent(t *testing.T) {
	f := newFixture(t, 12, "S")
	f.failExtraction("e07", errors.New("timeout"))
	if _, err := f.ctrl.RunCycle(context.Background()); err == nil {
		t.Fatal("first cycle should fail")
	}

	f.failExtraction("e07", nil)
	run, err := f.ctrl.RunCycle(context.Background())
	if err != nil || run.Outcome != OutcomeDone {
		t.Fatalf("retry = %v, %v", run, err)
	}
	for _, spec := range f.specs {
		if tbl := f.dest.Table(spec.DestinationTable); len(tbl.Rows) != 2 {
			t.Errorf("%s has %d rows after retry, want 2", spec.DestinationTable, len(tbl.Rows))
		}
	}
	if f.flag.Value() != "N" || f.rec.count() != 2 {
		t.Errorf("flag %q, runs %d", f.flag.Value(), f.rec.count())
	}
}

func TestStageFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fixture)
		wantStage  syncerr.Stage
		wantEntity string
		wantMirror bool
	}{
		{
			name:       "transform",
			setup:      func(f *fixture) { f.setRows("e02", [][]any{{"not-a-number", "x"}}) },
			wantStage:  syncerr.StageTransform,
			wantEntity: "e02",
		},
		{
			name: "load",
			setup: func(f *fixture) {
				f.dest.OnUpsert("dbo.e03", func([][]any) error { return errors.New("FK violation") })
			},
			wantStage:  syncerr.StageLoad,
			wantEntity: "e03",
		},
		{
			name: "reverse sync",
			setup: func(f *fixture) {
				f.src.OnUpsert(mirrorTable, func([][]any) error { return errors.New("ORA-01653: unable to extend") })
			},
			wantStage: syncerr.StageReverseSync,
		},
		{
			name:       "flag reset",
			setup:      func(f *fixture) { f.flag.WriteErr = errors.New("connection reset") },
			wantStage:  syncerr.StageFlagReset,
			wantMirror: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 4, "S")
			tt.setup(f)

			run, err := f.ctrl.RunCycle(context.Background())
			if err == nil {
				t.Fatal("expected an error")
			}
			if run.Outcome != OutcomeFailed || run.FailedStage != tt.wantStage || run.FailedEntity != tt.wantEntity {
				t.Errorf("run = %s at %s/%q, want FAILED at %s/%q",
					run.Outcome, run.FailedStage, run.FailedEntity, tt.wantStage, tt.wantEntity)
			}
			if f.flag.Value() != "S" {
				t.Errorf("flag = %q, want S", f.flag.Value())
			}
			if mirror := f.src.Table(mirrorTable); (mirror != nil) != tt.wantMirror {
				t.Errorf("mirror written = %v, want %v", mirror != nil, tt.wantMirror)
			}
			if len(f.notes.failures) != 1 || f.notes.failures[0].FailedStage != tt.wantStage {
				t.Errorf("failure reports = %+v", f.notes.failures)
			}
		})
	}
}

func TestFlagCheckFailureSkips(t *testing.T) {
	f := newFixture(t, 3, "S")
	f.flag.ReadErr = errors.New("ORA-12170: TNS connect timeout")

	run, err := f.ctrl.RunCycle(context.Background())
	if !syncerr.IsConnectivity(err) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
	if run.Outcome != OutcomeSkipped || run.FailedStage != syncerr.StageFlagCheck {
		t.Errorf("run = %s at %s", run.Outcome, run.FailedStage)
	}
	if len(f.src.Calls("fc_return_rs")) != 0 || len(f.dest.Log) != 0 {
		t.Error("no extraction or load may happen")
	}
	if f.flag.Writes() != 0 {
		t.Error("flag must not be written")
	}
	if len(f.notes.failures) != 1 {
		t.Errorf("expected one alert, got %d", len(f.notes.failures))
	}
}

func TestOverlappingTriggerIsIgnored(t *testing.T) {
	f := newFixture(t, 5, "S")
	entered := make(chan struct{})
	release := make(chan struct{})
	f.dest.OnUpsert("dbo.e03", func([][]any) error {
		close(entered)
		<-release
		return nil
	})

	type result struct {
		run *SyncRun
		err error
	}
	first := make(chan result, 1)
	go func() {
		run, err := f.ctrl.RunCycle(context.Background())
		first <- result{run, err}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never reached LOADING")
	}
	if s := f.ctrl.State(); s != StateLoading {
		t.Errorf("State() = %s, want LOADING", s)
	}

	run, err := f.ctrl.RunCycle(context.Background())
	if !errors.Is(err, ErrCycleInProgress) || run != nil {
		t.Errorf("second trigger = %v, %v; want nil, ErrCycleInProgress", run, err)
	}

	close(release)
	got := <-first
	if got.err != nil || got.run.Outcome != OutcomeDone {
		t.Fatalf("first cycle = %+v, %v", got.run, got.err)
	}
	if f.rec.count() != 1 {
		t.Errorf("recorded runs = %d, want 1", f.rec.count())
	}
}

func TestCancellationRollsBackInFlightEntity(t *testing.T) {
	f := newFixture(t, 4, "S")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.dest.OnUpsert("dbo.e02", func([][]any) error {
		cancel()
		return nil
	})

	run, err := f.ctrl.RunCycle(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if run.Outcome != OutcomeFailed || run.FailedEntity != "e02" {
		t.Errorf("run = %s at %s/%s", run.Outcome, run.FailedStage, run.FailedEntity)
	}
	if f.dest.Table("dbo.e01") == nil {
		t.Error("e01 was committed before cancellation")
	}
	if f.dest.Table("dbo.e02") != nil {
		t.Error("e02 must be rolled back")
	}
	if f.flag.Value() != "S" {
		t.Error("flag must remain S")
	}
	if f.rec.count() != 1 || len(f.notes.failures) != 1 {
		t.Error("a cancelled cycle is still recorded and reported")
	}
}

func TestEmptyEntitySucceeds(t *testing.T) {
	f := newFixture(t, 2, "S")
	f.setRows("e01", nil)

	run, err := f.ctrl.RunCycle(context.Background())
	if err != nil || run.Outcome != OutcomeDone {
		t.Fatalf("RunCycle() = %v, %v", run, err)
	}
	if e := run.Entity("e01"); e.RowsExtracted != 0 || e.Status != StatusSuccess {
		t.Errorf("e01 = %+v", e)
	}
}
