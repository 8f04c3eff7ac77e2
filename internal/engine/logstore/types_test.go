package logstore

import (
	"strings"
	"testing"
)

func TestThreadKeyValidate(t *testing.T) {
	t.Parallel()

	valid := []ThreadKey{
		{ProjectID: "proj", WorkspaceID: "ws", ThreadNum: 1},
		{ProjectID: " proj ", WorkspaceID: "ws_2", ThreadNum: 42},
	}
	for _, k := range valid {
		if err := k.Validate(); err != nil {
			t.Fatalf("Validate(%+v) = %v, want nil", k, err)
		}
	}

	invalid := []struct {
		key  ThreadKey
		want string
	}{
		{ThreadKey{WorkspaceID: "ws", ThreadNum: 1}, "project_id"},
		{ThreadKey{ProjectID: "proj", ThreadNum: 1}, "workspace_id"},
		{ThreadKey{ProjectID: "proj", WorkspaceID: "ws"}, "thread_num"},
		{ThreadKey{ProjectID: "proj", WorkspaceID: "ws", ThreadNum: -1}, "thread_num"},
		// '/' and '#' are reserved for the runtime key form "proj/ws#n".
		{ThreadKey{ProjectID: "pr/oj", WorkspaceID: "ws", ThreadNum: 1}, "project_id"},
		{ThreadKey{ProjectID: "pr#oj", WorkspaceID: "ws", ThreadNum: 1}, "project_id"},
		{ThreadKey{ProjectID: "proj", WorkspaceID: "ws#2/other", ThreadNum: 1}, "workspace_id"},
	}
	for _, tt := range invalid {
		err := tt.key.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("Validate(%+v) = %v, want error naming %s", tt.key, err, tt.want)
		}
	}
}
