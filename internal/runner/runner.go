// Package runner executes the scripted validation scenarios: the full
// test suite (setup, simulation, drain, analysis, performance
// validation, report), a quick smoke variant, and a sustained stress
// run.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/acd-dev/acd/internal/dispatch"
	"github.com/acd-dev/acd/internal/domain"
	"github.com/acd-dev/acd/internal/loadgen"
	"github.com/acd-dev/acd/internal/qualify"
	"github.com/acd-dev/acd/internal/store"
	"github.com/acd-dev/acd/pkg/config"
)

// Runner drives the engine through scripted test scenarios.
type Runner struct {
	cfg        *config.Config
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	generator  *loadgen.Generator
	sampler    *qualify.Sampler
}

// New creates a runner over an already wired engine.
func New(cfg *config.Config, st *store.Store, d *dispatch.Dispatcher, g *loadgen.Generator, s *qualify.Sampler) *Runner {
	return &Runner{cfg: cfg, store: st, dispatcher: d, generator: g, sampler: s}
}

// Metadata describes one suite run.
type Metadata struct {
	TestName             string                        `json:"test_name"`
	NumCalls             int                           `json:"num_calls"`
	NumAgents            int                           `json:"num_agents"`
	CallDurationMean     float64                       `json:"call_duration_mean"`
	CallDurationStd      float64                       `json:"call_duration_std"`
	ConversionMatrix     map[string]map[string]float64 `json:"conversion_matrix"`
	StartedAt            time.Time                     `json:"started_at"`
	CompletedAt          time.Time                     `json:"completed_at"`
	TotalDurationSeconds float64                       `json:"total_duration_seconds"`
}

// SetupPhase reports the generated populations.
type SetupPhase struct {
	AgentDistribution map[string]int `json:"agent_distribution"`
	CallDistribution  map[string]int `json:"call_distribution"`
	SetupTimeSeconds  float64        `json:"setup_time_seconds"`
}

// ExecutionPhase reports the simulation run.
type ExecutionPhase struct {
	Arrivals             *loadgen.ArrivalReport `json:"simulation_results"`
	ArrivalRatePerSecond float64                `json:"arrival_rate_calls_per_second"`
	ExecutionTimeSeconds float64                `json:"execution_time_seconds"`
}

// CompletionPhase reports the drain.
type CompletionPhase struct {
	Drained         bool    `json:"completion_success"`
	WaitTimeSeconds float64 `json:"wait_time_seconds"`
}

// CombinationResult compares the observed OK rate of one agent-type x
// call-type combination with the configured probability.
type CombinationResult struct {
	AgentType    string  `json:"agent_type"`
	CallType     string  `json:"call_type"`
	TotalCalls   int     `json:"total_calls"`
	OKCalls      int     `json:"ok_calls"`
	KOCalls      int     `json:"ko_calls"`
	ActualRate   float64 `json:"actual_rate"`
	ExpectedRate float64 `json:"expected_rate"`
	RateDelta    float64 `json:"rate_difference"`
}

// QualificationAnalysis aggregates the per-combination OK-rate check.
type QualificationAnalysis struct {
	ByCombination         map[string]*CombinationResult `json:"by_combination"`
	TotalCalls            int                           `json:"total_calls"`
	TotalOK               int                           `json:"total_ok"`
	OverallConversionRate float64                       `json:"overall_conversion_rate"`
	RatesWithinTolerance  bool                          `json:"rates_within_tolerance"`
}

// AssignmentPerformance wraps the engine counters with derived rates.
type AssignmentPerformance struct {
	RawMetrics     map[string]float64 `json:"raw_metrics"`
	TotalProcessed float64            `json:"total_calls_processed"`
	SuccessRate    float64            `json:"assignment_success_rate"`
	CompletionRate float64            `json:"completion_rate"`
	ErrorRate      float64            `json:"error_rate"`
}

// AnalysisPhase bundles the post-run analyses.
type AnalysisPhase struct {
	Qualification *QualificationAnalysis `json:"qualification_analysis"`
	Assignment    *AssignmentPerformance `json:"assignment_performance"`
}

// PerformanceValidation checks the run against the hard requirements.
type PerformanceValidation struct {
	TargetMs            float64 `json:"assignment_time_target_ms"`
	P95Ms               float64 `json:"p95_assignment_time_ms"`
	AssignmentCompliant bool    `json:"assignment_time_compliant"`
	ThroughputCompliant bool    `json:"throughput_compliant"`
	ErrorRate           float64 `json:"actual_error_rate"`
	SystemStable        bool    `json:"system_stable"`
	OverallCompliance   bool    `json:"overall_compliance"`
}

// FinalReport is the executive summary.
type FinalReport struct {
	Outcome         string   `json:"test_outcome"`
	KeyFindings     []string `json:"key_findings"`
	Recommendations []string `json:"recommendations"`
}

// Report is the complete suite result.
type Report struct {
	Metadata    Metadata               `json:"test_metadata"`
	Setup       *SetupPhase            `json:"setup_phase"`
	Execution   *ExecutionPhase        `json:"execution_phase"`
	Completion  *CompletionPhase       `json:"completion_phase"`
	Analysis    *AnalysisPhase         `json:"analysis_results"`
	Performance *PerformanceValidation `json:"performance_validation"`
	Final       *FinalReport           `json:"final_report"`
}

// RunFullSuite executes all six phases. Zero arguments fall back to the
// configured test sizes. Generated data is cleaned up afterwards.
func (r *Runner) RunFullSuite(ctx context.Context, numCalls, numAgents int) (*Report, error) {
	if numCalls <= 0 {
		numCalls = r.cfg.TestNumCalls
	}
	if numAgents <= 0 {
		numAgents = r.cfg.TestNumAgents
	}

	log.Printf("starting full test suite: %d calls, %d agents", numCalls, numAgents)
	suiteStart := time.Now()

	report := &Report{
		Metadata: Metadata{
			TestName:         fmt.Sprintf("Call Assignment Test - %s", time.Now().UTC().Format(time.RFC3339)),
			NumCalls:         numCalls,
			NumAgents:        numAgents,
			CallDurationMean: r.cfg.CallDurationMean,
			CallDurationStd:  r.cfg.CallDurationStd,
			ConversionMatrix: r.cfg.ConversionMatrix,
			StartedAt:        time.Now().UTC(),
		},
	}

	defer func() {
		log.Printf("cleaning up test data")
		if err := r.generator.Cleanup(context.WithoutCancel(ctx)); err != nil {
			log.Printf("cleanup failed: %v", err)
		}
	}()

	// Phase 1: setup
	log.Printf("phase 1: test setup")
	setupStart := time.Now()
	agents, err := r.generator.MakeAgents(ctx, numAgents)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	calls := r.generator.MakeCalls(numCalls)
	report.Setup = &SetupPhase{
		AgentDistribution: countAgentTypes(agents),
		CallDistribution:  countCallTypes(calls),
		SetupTimeSeconds:  time.Since(setupStart).Seconds(),
	}

	// Phase 2: execution
	log.Printf("phase 2: test execution")
	execStart := time.Now()
	arrivalRate := float64(len(calls)) / 60.0
	if arrivalRate < 2.0 {
		arrivalRate = 2.0
	}
	if arrivalRate > 5.0 {
		arrivalRate = 5.0
	}

	churnCtx, stopChurn := context.WithCancel(ctx)
	defer stopChurn()
	r.generator.ChurnAgents(churnCtx, agents, 0.9)

	arrivals, err := r.generator.DriveArrivals(ctx, calls, arrivalRate, 10)
	if err != nil {
		return nil, fmt.Errorf("execution: %w", err)
	}
	report.Execution = &ExecutionPhase{
		Arrivals:             arrivals,
		ArrivalRatePerSecond: arrivalRate,
		ExecutionTimeSeconds: time.Since(execStart).Seconds(),
	}

	// Phase 3: drain
	log.Printf("phase 3: waiting for completion")
	drainStart := time.Now()
	drained := r.generator.Drain(ctx, 600*time.Second)
	stopChurn()
	report.Completion = &CompletionPhase{
		Drained:         drained,
		WaitTimeSeconds: time.Since(drainStart).Seconds(),
	}

	// Phase 4: analysis
	log.Printf("phase 4: results analysis")
	analysis, err := r.analyze(ctx)
	if err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}
	report.Analysis = analysis

	// Phase 5: performance validation
	log.Printf("phase 5: performance validation")
	report.Performance = r.validatePerformance(arrivals, analysis.Assignment)

	// Phase 6: final report
	log.Printf("phase 6: generating final report")
	report.Final = buildFinalReport(report)

	report.Metadata.CompletedAt = time.Now().UTC()
	report.Metadata.TotalDurationSeconds = time.Since(suiteStart).Seconds()

	if err := saveReport(report); err != nil {
		log.Printf("failed to save test results: %v", err)
	}

	log.Printf("full test suite completed: %s", report.Final.Outcome)
	return report, nil
}

// RunQuickValidation runs the full suite with a minimal population.
func (r *Runner) RunQuickValidation(ctx context.Context) (*Report, error) {
	log.Printf("running quick validation test")
	return r.RunFullSuite(ctx, 20, 5)
}

// StressReport is the result of a sustained load run.
type StressReport struct {
	TestType        string              `json:"test_type"`
	DurationMinutes int                 `json:"duration_minutes"`
	Load            *loadgen.LoadReport `json:"load_results"`
	Timestamp       time.Time           `json:"timestamp"`
}

// RunStress runs a sustained high-rate load for the given number of
// minutes against a fixed agent pool.
func (r *Runner) RunStress(ctx context.Context, minutes int) (*StressReport, error) {
	if minutes <= 0 {
		minutes = 5
	}
	log.Printf("running %d-minute performance stress test", minutes)

	if _, err := r.generator.MakeAgents(ctx, 30); err != nil {
		return nil, fmt.Errorf("stress setup: %w", err)
	}
	defer func() {
		if err := r.generator.Cleanup(context.WithoutCancel(ctx)); err != nil {
			log.Printf("cleanup failed: %v", err)
		}
	}()

	load, err := r.generator.GenerateLoad(ctx, time.Duration(minutes)*time.Minute, 200)
	if err != nil {
		return nil, err
	}

	return &StressReport{
		TestType:        "performance_stress_test",
		DurationMinutes: minutes,
		Load:            load,
		Timestamp:       time.Now().UTC(),
	}, nil
}

// analyze checks qualification rates and assignment counters.
func (r *Runner) analyze(ctx context.Context) (*AnalysisPhase, error) {
	qual := r.analyzeQualification()

	metrics, err := r.store.Cache().AllMetrics(ctx)
	if err != nil {
		return nil, err
	}

	assigned := metrics["calls_assigned"]
	saturated := metrics["calls_saturated"]
	completed := metrics["calls_completed"]
	errorsTotal := metrics["assignment_errors"] + metrics["completion_errors"]
	total := assigned + saturated

	perf := &AssignmentPerformance{
		RawMetrics:     metrics,
		TotalProcessed: total,
	}
	if total > 0 {
		perf.SuccessRate = assigned / total
		perf.ErrorRate = errorsTotal / total
	}
	if assigned > 0 {
		perf.CompletionRate = completed / assigned
	}

	return &AnalysisPhase{Qualification: qual, Assignment: perf}, nil
}

// analyzeQualification draws a fixed sample for every combination and
// compares the observed OK rate with the configured probability.
func (r *Runner) analyzeQualification() *QualificationAnalysis {
	const sampleSize = 50
	const tolerance = 0.15 // absolute deviation allowed on a 50-draw sample

	out := &QualificationAnalysis{
		ByCombination:        make(map[string]*CombinationResult),
		RatesWithinTolerance: true,
	}

	for _, agentType := range r.cfg.AgentTypes {
		for _, callType := range r.cfg.CallTypes {
			expected := r.cfg.ConversionMatrix[agentType][callType]

			ok := 0
			for i := 0; i < sampleSize; i++ {
				if r.sampler.Qualify(agentType, callType) == domain.QualificationOK {
					ok++
				}
			}

			actual := float64(ok) / float64(sampleSize)
			result := &CombinationResult{
				AgentType:    agentType,
				CallType:     callType,
				TotalCalls:   sampleSize,
				OKCalls:      ok,
				KOCalls:      sampleSize - ok,
				ActualRate:   actual,
				ExpectedRate: expected,
				RateDelta:    actual - expected,
			}
			out.ByCombination[agentType+"_"+callType] = result
			out.TotalCalls += sampleSize
			out.TotalOK += ok

			if result.RateDelta > tolerance || result.RateDelta < -tolerance {
				out.RatesWithinTolerance = false
			}
		}
	}

	if out.TotalCalls > 0 {
		out.OverallConversionRate = float64(out.TotalOK) / float64(out.TotalCalls)
	}
	return out
}

// validatePerformance applies the hard requirements: p95 latency over
// the full sample at or under the target, basic throughput, error rate
// at or under 5%.
func (r *Runner) validatePerformance(arrivals *loadgen.ArrivalReport, perf *AssignmentPerformance) *PerformanceValidation {
	target := float64(r.cfg.MaxAssignmentTimeMs)

	v := &PerformanceValidation{
		TargetMs:  target,
		ErrorRate: perf.ErrorRate,
	}

	if m := loadgen.Summarize(arrivals.AssignmentTimesMs, arrivals.Assigned, arrivals.Failed); m != nil {
		v.P95Ms = m.P95Ms
		v.AssignmentCompliant = m.P95Ms <= target
	}
	v.ThroughputCompliant = perf.RawMetrics["calls_assigned"] >= 10
	v.SystemStable = perf.ErrorRate <= 0.05
	v.OverallCompliance = v.AssignmentCompliant && v.ThroughputCompliant && v.SystemStable
	return v
}

func buildFinalReport(report *Report) *FinalReport {
	final := &FinalReport{Outcome: "FAILED"}
	if report.Performance.OverallCompliance {
		final.Outcome = "PASSED"
	}

	if report.Performance.AssignmentCompliant {
		final.KeyFindings = append(final.KeyFindings, "assignment time requirement met (p95 <= target)")
	} else {
		final.KeyFindings = append(final.KeyFindings, "assignment time requirement failed")
		final.Recommendations = append(final.Recommendations, "optimize assignment path and Redis operations")
	}

	if report.Performance.SystemStable {
		final.KeyFindings = append(final.KeyFindings, "system stability requirement met")
	} else {
		final.KeyFindings = append(final.KeyFindings, "system stability issues detected")
		final.Recommendations = append(final.Recommendations, "investigate error sources")
	}

	if report.Analysis.Qualification.RatesWithinTolerance {
		final.KeyFindings = append(final.KeyFindings, "qualification rates match the conversion matrix")
	} else {
		final.KeyFindings = append(final.KeyFindings, "some qualification rates deviate from expected values")
	}

	return final
}

func saveReport(report *Report) error {
	timestamp := time.Now().UTC().Format("20060102_150405")
	filename := fmt.Sprintf("test_results_%s.json", timestamp)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return err
	}
	log.Printf("test results saved to %s", filename)
	return nil
}

func countAgentTypes(agents []*domain.Agent) map[string]int {
	out := make(map[string]int)
	for _, a := range agents {
		out[a.AgentType]++
	}
	return out
}

func countCallTypes(calls []*domain.Call) map[string]int {
	out := make(map[string]int)
	for _, c := range calls {
		out[c.CallType]++
	}
	return out
}
