// Package ids generates task and pipeline identifiers.
//
// Pipeline ids are derived from their task id: <taskId>_pipeline_<N>, where N
// starts at 1 and increases per task. Task ids embed a ULID so that two hub
// instances sharing one data directory never collide.
package ids

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	taskPrefix      = "task_"
	pipelineInfix   = "_pipeline_"
	containerPrefix = "pipe-"
	volumePrefix    = "vol-"
)

// ErrInvalidPipelineID is returned when an id does not match <taskId>_pipeline_<N>.
var ErrInvalidPipelineID = errors.New("invalid pipeline id format")

var pipelineIDPattern = regexp.MustCompile(`^(.+)_pipeline_([1-9][0-9]*)$`)

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return taskPrefix + ulid.Make().String()
}

// PipelineID formats the id of the seq-th pipeline of a task.
func PipelineID(taskID string, seq int) string {
	return taskID + pipelineInfix + strconv.Itoa(seq)
}

// NextPipelineID returns the id following the highest sequence number found
// among existing for taskID. Ids belonging to other tasks are ignored.
func NextPipelineID(taskID string, existing []string) string {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(taskID) + pipelineInfix + `([0-9]+)$`)

	highest := 0
	for _, id := range existing {
		m := pattern.FindStringSubmatch(id)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return PipelineID(taskID, highest+1)
}

// ParsePipelineID splits a pipeline id into its task id and sequence number.
func ParsePipelineID(id string) (taskID string, seq int, err error) {
	if !ValidRecordID(id) {
		return "", 0, ErrInvalidPipelineID
	}
	m := pipelineIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", 0, ErrInvalidPipelineID
	}
	seq, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, ErrInvalidPipelineID
	}
	return m[1], seq, nil
}

// ContainerName is the engine container name for a pipeline.
func ContainerName(pipelineID string) string {
	return containerPrefix + pipelineID
}

// VolumeName is the engine volume name for a pipeline.
func VolumeName(pipelineID string) string {
	return volumePrefix + pipelineID
}

// PipelineIDFromContainer reverses ContainerName. ok is false when name does
// not carry the container prefix.
func PipelineIDFromContainer(name string) (string, bool) {
	if !strings.HasPrefix(name, containerPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, containerPrefix), true
}

// ValidRecordID reports whether id can be used verbatim as a record file name.
func ValidRecordID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}
