package planner

import (
	"fmt"
	"strings"

	"github.com/hrygo/galaxy/device"
)

const responseContract = `Respond with a single JSON object, no prose outside it:
{
  "thought": "<your reasoning>",
  "response": "<short message for the user>",
  "status": "CONTINUE" | "FINISH" | "FAIL",
  "tool_calls": [{"tool": "<name>", "args": {...}}]
}`

const createInstructions = `You are a task orchestration planner. Decompose the
user's request into a directed acyclic graph of subtasks, each assigned to one
of the listed devices by capability. Emit exactly one tool call:

  build_constellation {
    "name": "<plan name>",
    "clear": true,
    "tasks": [{"task_id", "name", "description", "target_device_id", "tips"?, "priority"?, "max_retries"?}],
    "dependencies": [{"dependency_id", "from_task_id", "to_task_id", "dependency_type"?, "condition_description"?}]
  }

Rules:
- Every task_id unique; every target_device_id drawn from the device list.
- Dependencies must not form cycles.
- dependency_type is "unconditional" (default), "completion_only" (downstream
  runs even if upstream failed), or "success_only".
- Prefer independent tasks over chains so unrelated work runs in parallel.
- Set status to CONTINUE after the build call; use FAIL only when the request
  cannot be satisfied with the available devices.`

const editInstructions = `You are repairing or extending a running task graph.
Inspect the constellation snapshot: statuses, results, errors, and edge
satisfaction flags. You may call, in order: add_task, remove_task,
update_task, add_dependency, remove_dependency, update_dependency.

Rules:
- RUNNING and COMPLETED tasks cannot be modified or removed. FAILED tasks
  cannot be modified, but may be removed and replaced.
- New edges must not form cycles.
- Set status to CONTINUE to resume execution with your edits, FINISH when the
  request is satisfied, FAIL when it cannot be satisfied.`

func deviceListing(devices []device.Device) string {
	if len(devices) == 0 {
		return "(no devices registered)"
	}
	var b strings.Builder
	for _, d := range devices {
		fmt.Fprintf(&b, "- %s (os=%s, status=%s", d.DeviceID, d.OS, d.Status)
		if len(d.Capabilities) > 0 {
			fmt.Fprintf(&b, ", capabilities=%s", strings.Join(d.Capabilities, ","))
		}
		b.WriteString(")\n")
	}
	return b.String()
}

func buildCreatePrompt(request string, devices []device.Device) string {
	var b strings.Builder
	b.WriteString(createInstructions)
	b.WriteString("\n\nAvailable devices:\n")
	b.WriteString(deviceListing(devices))
	b.WriteString("\n")
	b.WriteString(responseContract)
	b.WriteString("\n\nUser request:\n")
	b.WriteString(request)
	return b.String()
}

func buildEditPrompt(request, snapshot string, devices []device.Device, feedback string) string {
	var b strings.Builder
	b.WriteString(editInstructions)
	b.WriteString("\n\nAvailable devices:\n")
	b.WriteString(deviceListing(devices))
	b.WriteString("\nOriginal request:\n")
	b.WriteString(request)
	b.WriteString("\n\nConstellation snapshot:\n")
	b.WriteString(snapshot)
	if feedback != "" {
		b.WriteString("\n\nYour previous turn was rejected:\n")
		b.WriteString(feedback)
		b.WriteString("\nNo edits from that turn were applied. Correct the problem.")
	}
	b.WriteString("\n\n")
	b.WriteString(responseContract)
	return b.String()
}
