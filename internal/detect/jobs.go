package detect

import (
	"regexp"
	"strings"

	"provis/internal/types"
)

// queueDetector finds JS job queues: Bull/BullMQ add/process pairs,
// Agenda definitions and a generic name-based fallback.
type queueDetector struct{}

func (d *queueDetector) Name() string { return "queue" }

var (
	reQueueAdd     = regexp.MustCompile(`\w*[Qq]ueue\.add\s*\(\s*['"]([^'"]+)['"]`)
	reQueueProcess = regexp.MustCompile(`\w*[Qq]ueue\.process\s*\(\s*['"]([^'"]+)['"]`)
	reAgendaDefine = regexp.MustCompile(`agenda\.(define|every|schedule)\s*\(\s*['"]([^'"]+)['"]`)
	reGenericJob   = regexp.MustCompile(`(?:async\s+)?(?:function\s+|const\s+)(\w*[Jj]ob\w*)\s*[(=]`)
)

func (d *queueDetector) Detect(in Input) (Result, error) {
	if !isScriptLang(in.Language) {
		return Result{}, nil
	}
	var jobs []types.JobItem
	if in.Parsed != nil {
		jobs = d.structural(in)
	}
	if len(jobs) == 0 {
		jobs = d.lexical(in)
	}
	if len(jobs) == 0 {
		jobs = d.genericFallback(in)
	}
	if len(jobs) == 0 {
		return Result{}, nil
	}
	hyp := false
	for _, j := range jobs {
		hyp = hyp || j.Hypothesis
	}
	res := Result{Jobs: jobs, Hypothesis: hyp}
	if hyp {
		res.ReasonCode = types.ReasonPatternFallback
	}
	return res, nil
}

func (d *queueDetector) structural(in Input) []types.JobItem {
	var jobs []types.JobItem
	for _, call := range in.Parsed.Calls {
		q := strings.ToLower(call.Qualifier)
		switch {
		case strings.HasSuffix(q, "queue") && call.Name == "add" && len(call.StringArgs) > 0:
			jobs = append(jobs, types.JobItem{
				Name:       call.StringArgs[0],
				Kind:       "bull",
				Producer:   call.Qualifier + ".add",
				Confidence: confStructural,
				Evidence:   []types.EvidenceSpan{span(in.Path, call.Line, call.End)},
			})
		case strings.HasSuffix(q, "queue") && call.Name == "process" && len(call.StringArgs) > 0:
			jobs = append(jobs, types.JobItem{
				Name:       call.StringArgs[0],
				Kind:       "bull",
				Consumer:   call.Qualifier + ".process",
				Confidence: confStructural,
				Evidence:   []types.EvidenceSpan{span(in.Path, call.Line, call.End)},
			})
		case q == "agenda" && call.Name == "define" && len(call.StringArgs) > 0:
			jobs = append(jobs, types.JobItem{
				Name:       call.StringArgs[0],
				Kind:       "agenda",
				Consumer:   "agenda.define",
				Confidence: confStructural,
				Evidence:   []types.EvidenceSpan{span(in.Path, call.Line, call.End)},
			})
		case q == "agenda" && (call.Name == "every" || call.Name == "schedule") && len(call.StringArgs) > 0:
			name := call.StringArgs[len(call.StringArgs)-1]
			jobs = append(jobs, types.JobItem{
				Name:       name,
				Kind:       "agenda",
				Producer:   "agenda." + call.Name,
				Confidence: confStructural,
				Evidence:   []types.EvidenceSpan{span(in.Path, call.Line, call.End)},
			})
		}
	}
	return jobs
}

func (d *queueDetector) lexical(in Input) []types.JobItem {
	var jobs []types.JobItem
	for _, m := range reQueueAdd.FindAllSubmatchIndex(in.Content, -1) {
		ln := lineOf(in.Content, m[0])
		jobs = append(jobs, types.JobItem{
			Name:       string(in.Content[m[2]:m[3]]),
			Kind:       "bull",
			Producer:   "queue.add",
			Confidence: confStructural,
			Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
		})
	}
	for _, m := range reQueueProcess.FindAllSubmatchIndex(in.Content, -1) {
		ln := lineOf(in.Content, m[0])
		jobs = append(jobs, types.JobItem{
			Name:       string(in.Content[m[2]:m[3]]),
			Kind:       "bull",
			Consumer:   "queue.process",
			Confidence: confStructural,
			Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
		})
	}
	for _, m := range reAgendaDefine.FindAllSubmatchIndex(in.Content, -1) {
		verb := string(in.Content[m[2]:m[3]])
		ln := lineOf(in.Content, m[0])
		item := types.JobItem{
			Name:       string(in.Content[m[4]:m[5]]),
			Kind:       "agenda",
			Confidence: confStructural,
			Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
		}
		if verb == "define" {
			item.Consumer = "agenda.define"
		} else {
			item.Producer = "agenda." + verb
		}
		jobs = append(jobs, item)
	}
	return jobs
}

func (d *queueDetector) genericFallback(in Input) []types.JobItem {
	var jobs []types.JobItem
	for _, m := range reGenericJob.FindAllSubmatchIndex(in.Content, -1) {
		ln := lineOf(in.Content, m[0])
		jobs = append(jobs, types.JobItem{
			Name:       string(in.Content[m[2]:m[3]]),
			Kind:       "generic",
			Producer:   "unknown",
			Confidence: confFallback,
			Hypothesis: true,
			ReasonCode: types.ReasonPatternFallback,
			Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
		})
	}
	return jobs
}

// celeryDetector finds Python task declarations and their producers.
type celeryDetector struct{}

func (d *celeryDetector) Name() string { return "celery" }

var reCeleryTask = regexp.MustCompile(`(?m)^\s*@(?:\w+\.)?(?:shared_)?task\b`)

func (d *celeryDetector) Detect(in Input) (Result, error) {
	if in.Language != "python" {
		return Result{}, nil
	}
	var jobs []types.JobItem
	if in.Parsed != nil {
		for _, dec := range in.Parsed.Decorators {
			if !isTaskDecorator(dec.Name) {
				continue
			}
			name := dec.Target
			if len(dec.StringArgs) > 0 {
				name = dec.StringArgs[0]
			}
			jobs = append(jobs, types.JobItem{
				Name:       name,
				Kind:       "celery",
				Consumer:   dec.Target,
				Confidence: confStructural,
				Evidence:   []types.EvidenceSpan{span(in.Path, dec.Line, dec.End)},
			})
		}
		for _, call := range in.Parsed.Calls {
			if call.Name != "delay" && call.Name != "apply_async" {
				continue
			}
			jobs = append(jobs, types.JobItem{
				Name:       call.Qualifier,
				Kind:       "celery",
				Producer:   call.Qualifier + "." + call.Name,
				Confidence: confStructural,
				Evidence:   []types.EvidenceSpan{span(in.Path, call.Line, call.End)},
			})
		}
	}
	if len(jobs) == 0 && reCeleryTask.Match(in.Content) {
		// Parser missed it; record the file-level signal as a hypothesis.
		jobs = append(jobs, types.JobItem{
			Name:       "task",
			Kind:       "celery",
			Confidence: confFallback,
			Hypothesis: true,
			ReasonCode: types.ReasonPatternFallback,
			Evidence:   []types.EvidenceSpan{span(in.Path, 1, 1)},
		})
	}
	if len(jobs) == 0 {
		return Result{}, nil
	}
	hyp := false
	for _, j := range jobs {
		hyp = hyp || j.Hypothesis
	}
	res := Result{Jobs: jobs, Hypothesis: hyp}
	if hyp {
		res.ReasonCode = types.ReasonPatternFallback
	}
	return res, nil
}

func isTaskDecorator(name string) bool {
	return name == "task" || name == "shared_task" ||
		strings.HasSuffix(name, ".task") || strings.HasSuffix(name, ".shared_task")
}
