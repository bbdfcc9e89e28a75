package transcript

import (
	"strings"
	"testing"
)

const testTemplate Template = "Status: {agent_status_context}\nScreen: {screen_context}\nMemory: {memory_context}\nTime: {time_context}\nAgain: {screen_context}"

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		want   string
	}{
		{
			name: "no values",
			want: "Status: none\nScreen: none\nMemory: none\nTime: none\nAgain: none",
		},
		{
			name: "all values, repeated placeholder",
			values: map[string]string{
				AgentStatus: "idle",
				Screen:      "home screen",
				Memory:      "- likes tea",
				Time:        "noon",
			},
			want: "Status: idle\nScreen: home screen\nMemory: - likes tea\nTime: noon\nAgain: home screen",
		},
		{
			name:   "blank value becomes none",
			values: map[string]string{Screen: "   "},
			want:   "Status: none\nScreen: none\nMemory: none\nTime: none\nAgain: none",
		},
		{
			name:   "value containing a placeholder is not re-expanded",
			values: map[string]string{Screen: "{time_context}", Time: "noon"},
			want:   "Status: none\nScreen: {time_context}\nMemory: none\nTime: noon\nAgain: {time_context}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testTemplate.Render(tt.values); got != tt.want {
				t.Errorf("Render() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestRefreshUsesPristineTemplate(t *testing.T) {
	tr := New(testTemplate)
	tr.Refresh(map[string]string{Screen: "settings"})
	tr.Refresh(map[string]string{Screen: "camera"})

	got := tr.SystemPrompt()
	if strings.Contains(got, "settings") {
		t.Errorf("stale value survived refresh: %q", got)
	}
	if !strings.Contains(got, "Screen: camera") {
		t.Errorf("SystemPrompt() = %q, want current screen", got)
	}
	for _, p := range Placeholders {
		if strings.Contains(got, p) {
			t.Errorf("placeholder %s left in prompt", p)
		}
	}
}

func TestAppendAndEntries(t *testing.T) {
	tr := New(testTemplate)
	tr.Append(RoleUser, "hello")
	tr.Append(RoleModel, `{"Type":"Reply","Reply":"hi"}`)
	tr.Append(RoleUser, "open maps")

	if tr.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", tr.Len())
	}
	entries := tr.Entries()
	if entries[1].Role != RoleUser || entries[2].Role != RoleModel {
		t.Errorf("unexpected roles: %+v", entries)
	}

	entries[1].Content = "mutated"
	if tr.Entries()[1].Content != "hello" {
		t.Error("Entries() exposed internal storage")
	}

	if last := tr.Entries()[3]; last.Role != RoleUser || last.Content != "open maps" {
		t.Errorf("last entry = %+v", last)
	}
}

func TestText(t *testing.T) {
	tr := New(testTemplate)
	tr.Append(RoleUser, "hi")
	tr.Append(RoleModel, "hello")

	want := "user: hi\nmodel: hello\n"
	if got := Text(tr.Entries()); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestFormatMemories(t *testing.T) {
	if got := FormatMemories(nil); got != "" {
		t.Errorf("FormatMemories(nil) = %q", got)
	}
	want := "- name is Sam\n- likes jazz"
	if got := FormatMemories([]string{"name is Sam", "likes jazz"}); got != want {
		t.Errorf("FormatMemories() = %q, want %q", got, want)
	}
}
