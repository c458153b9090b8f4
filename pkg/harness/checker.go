package harness

import (
	"fmt"
	"sort"
)

// AnomalyCategory names one of the consistency-violation classes the
// external list-append checker can report.
type AnomalyCategory string

const (
	AnomalyG0         AnomalyCategory = "G0"
	AnomalyG1a        AnomalyCategory = "G1a"
	AnomalyG1b        AnomalyCategory = "G1b"
	AnomalyG1c        AnomalyCategory = "G1c"
	AnomalyG2         AnomalyCategory = "G2"
	AnomalyLostUpdate AnomalyCategory = "lost-update"
	AnomalyDirtyRead  AnomalyCategory = "dirty-read"
	AnomalyInternal   AnomalyCategory = "internal"
)

// Anomaly is one reported consistency violation.
type Anomaly struct {
	Category AnomalyCategory `json:"category"`
	Key      int64           `json:"key"`
	Detail   string          `json:"detail"`
}

// CheckResult is the classified outcome of a history check; the CLI exits
// non-zero when it is not clean.
type CheckResult struct {
	Clean     bool      `json:"clean"`
	Anomalies []Anomaly `json:"anomalies"`
}

// CheckHistory is the harness's in-process list-append checker, used when
// no external checker binary is configured.
//
// It reconstructs, per key, the committed append order from ok'd
// transactions (ordered by event index, the harness's own total order
// since the recorder assigns indices one at a time under its lock) and checks
// every read against it.
func CheckHistory(events []Event) CheckResult {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	trueOrder := make(map[int64][]int64)              // key -> committed append values, in order
	appendedBy := make(map[int64]map[int64]EventType) // key -> value -> outcome type of its transaction

	for _, ev := range sorted {
		if ev.Type != EventOK && ev.Type != EventFail {
			continue
		}
		for _, op := range ev.Value {
			if len(op) != 3 {
				continue
			}
			tag, _ := op[0].(string)
			if tag != "append" {
				continue
			}
			key, kok := asInt64(op[1])
			val, vok := asInt64(op[2])
			if !kok || !vok {
				continue
			}
			if appendedBy[key] == nil {
				appendedBy[key] = make(map[int64]EventType)
			}
			appendedBy[key][val] = ev.Type
			if ev.Type == EventOK {
				trueOrder[key] = append(trueOrder[key], val)
			}
		}
	}

	var anomalies []Anomaly

	for _, ev := range sorted {
		for _, op := range ev.Value {
			if len(op) != 3 {
				continue
			}
			tag, _ := op[0].(string)
			if tag != "r" {
				continue
			}
			key, kok := asInt64(op[1])
			if !kok {
				continue
			}
			observed, _ := asInt64Slice(op[2])
			if observed == nil {
				continue
			}

			for _, v := range observed {
				if outcome, ok := appendedBy[key][v]; ok && outcome == EventFail {
					anomalies = append(anomalies, Anomaly{
						Category: AnomalyG1a, Key: key,
						Detail: fmt.Sprintf("read observed value %d whose appending transaction failed", v),
					})
				} else if !ok {
					anomalies = append(anomalies, Anomaly{
						Category: AnomalyDirtyRead, Key: key,
						Detail: fmt.Sprintf("read observed value %d never recorded as appended", v),
					})
				}
			}

			if !isPrefixOf(observed, trueOrder[key]) && !isPrefixOf(trueOrder[key][:min(len(observed), len(trueOrder[key]))], observed) {
				anomalies = append(anomalies, Anomaly{
					Category: AnomalyG1b, Key: key,
					Detail: fmt.Sprintf("read order %v diverges from committed append order %v", observed, trueOrder[key]),
				})
			}
		}
	}

	return CheckResult{Clean: len(anomalies) == 0, Anomalies: anomalies}
}

func isPrefixOf(a, b []int64) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asInt64Slice(v interface{}) ([]int64, bool) {
	if v == nil {
		return nil, true
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(items))
	for _, it := range items {
		n, ok := asInt64(it)
		if !ok {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}
