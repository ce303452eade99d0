package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_TypedFrames(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"register","device_id":"dev-a","os":"linux","capabilities":["data"]}`), 0)
	require.NoError(t, err)
	reg, ok := frame.(*RegisterFrame)
	require.True(t, ok)
	assert.Equal(t, "dev-a", reg.DeviceID)
	assert.Equal(t, []string{"data"}, reg.Capabilities)

	frame, err = Decode([]byte(`{"type":"task_reply","task_id":"t1","status":"completed","result":"x"}`), 0)
	require.NoError(t, err)
	reply := frame.(*TaskReplyFrame)
	assert.True(t, reply.Valid())
}

func TestDecode_UnknownTypeSkipped(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"hologram","payload":42}`), 0)
	require.NoError(t, err)
	assert.Nil(t, frame, "unknown frame kinds are ignored, not errors")
}

func TestDecode_FrameTooLarge(t *testing.T) {
	big := `{"type":"event","data":"` + strings.Repeat("x", 128) + `"}`
	_, err := Decode([]byte(big), 64)
	require.Error(t, err)
	assert.Equal(t, KindFrameTooLarge, KindOf(err))
}

func TestEncode_FrameTooLarge(t *testing.T) {
	req := &TaskRequestFrame{Type: FrameTaskRequest, TaskID: "t1", Description: strings.Repeat("x", 256)}
	_, err := Encode(req, 64)
	require.Error(t, err)
	assert.Equal(t, KindFrameTooLarge, KindOf(err))
}

func TestTaskReply_Validation(t *testing.T) {
	cases := []struct {
		name  string
		reply TaskReplyFrame
		valid bool
	}{
		{"completed", TaskReplyFrame{TaskID: "t1", Status: "completed", Result: "x"}, true},
		{"failed", TaskReplyFrame{TaskID: "t1", Status: "failed", Error: "boom"}, true},
		{"missing task id", TaskReplyFrame{Status: "completed"}, false},
		{"bogus status", TaskReplyFrame{TaskID: "t1", Status: "maybe"}, false},
		{"completed with error", TaskReplyFrame{TaskID: "t1", Status: "completed", Error: "?"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, tc.reply.Valid())
		})
	}
}

func TestErrorRetryability(t *testing.T) {
	assert.True(t, (&Error{Kind: KindTransport}).Retryable())
	assert.False(t, (&Error{Kind: KindTimeout}).Retryable())
	assert.False(t, (&Error{Kind: KindMalformed}).Retryable())
	assert.False(t, (&Error{Kind: KindDeviceReported}).Retryable())
}
