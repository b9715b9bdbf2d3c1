package policy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseliner/backend/internal/core"
)

var compileBase = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func makeInput(t *testing.T, policyName string, priority int, createdAt time.Time, mode core.AssignmentMode, resources ...string) Input {
	t.Helper()
	doc := `{"resources":[` + joinResources(resources) + `]}`
	require.True(t, json.Valid([]byte(doc)), "bad test document: %s", doc)

	return Input{
		Assignment: core.PolicyAssignment{
			ID:        uuid.New(),
			DeviceID:  uuid.New(),
			PolicyID:  uuid.New(),
			Priority:  priority,
			Mode:      mode,
			CreatedAt: createdAt,
		},
		Policy: &core.Policy{
			ID:       uuid.New(),
			Name:     policyName,
			IsActive: true,
			Document: core.JSONText(doc),
		},
	}
}

func joinResources(rs []string) string {
	out := ""
	for i, r := range rs {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

func TestCompileFirstWinsOnCreatedAtTie(t *testing.T) {
	putty := `{"type":"winget.package","id":"putty","name":"PuTTY"}`

	a := makeInput(t, "P_A", 100, compileBase, core.ModeEnforce, putty)
	b := makeInput(t, "P_B", 100, compileBase.Add(time.Minute), core.ModeEnforce, putty)

	compiled, err := Compile([]Input{b, a})
	require.NoError(t, err)

	require.Len(t, compiled.Document.Resources, 1)
	assert.Equal(t, "P_A", compiled.SourceBy["winget.package/putty"].PolicyName)

	require.Len(t, compiled.Conflicts, 1)
	c := compiled.Conflicts[0]
	assert.Equal(t, "winget.package/putty", c.Key)
	assert.Equal(t, "P_A", c.WinnerPolicy)
	assert.Equal(t, "P_B", c.LoserPolicy)
	assert.Equal(t, "first-wins-by-priority", c.Reason)
}

func TestCompilePriorityOverride(t *testing.T) {
	marker := `{"type":"script.powershell","id":"marker"}`

	a := makeInput(t, "P_A", 200, compileBase, core.ModeEnforce, marker)
	b := makeInput(t, "P_B", 100, compileBase.Add(time.Hour), core.ModeEnforce, marker)

	compiled, err := Compile([]Input{a, b})
	require.NoError(t, err)

	assert.Equal(t, "P_B", compiled.SourceBy["script.powershell/marker"].PolicyName)
	require.Len(t, compiled.Conflicts, 1)
	assert.Equal(t, "P_A", compiled.Conflicts[0].LoserPolicy)
}

func TestCompileOrderingStability(t *testing.T) {
	// Equal priority, equal created_at: assignment id breaks the tie, so any
	// input permutation must compile to the same bytes.
	res1 := `{"type":"winget.package","id":"one"}`
	res2 := `{"type":"winget.package","id":"two"}`
	res3 := `{"type":"winget.package","id":"one","version":"2"}`

	a := makeInput(t, "P_A", 50, compileBase, core.ModeEnforce, res1, res2)
	b := makeInput(t, "P_B", 50, compileBase, core.ModeEnforce, res3)

	first, err := Compile([]Input{a, b})
	require.NoError(t, err)
	second, err := Compile([]Input{b, a})
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, first.Document.Resources, second.Document.Resources)
	assert.Equal(t, first.Conflicts, second.Conflicts)
}

func TestCompileDeterminism(t *testing.T) {
	in := []Input{
		makeInput(t, "P_A", 10, compileBase, core.ModeEnforce,
			`{"type":"winget.package","id":"git","ensure":"present"}`),
		makeInput(t, "P_B", 20, compileBase, core.ModeAudit,
			`{"type":"registry.value","id":"telemetry","data":0}`),
	}

	first, err := Compile(in)
	require.NoError(t, err)
	second, err := Compile(in)
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash)
	assert.Len(t, first.Hash, 64)
}

func TestCompileEmptyInputs(t *testing.T) {
	compiled, err := Compile(nil)
	require.NoError(t, err)

	assert.Empty(t, compiled.Document.Resources)
	assert.Empty(t, compiled.Conflicts)

	want, err := HashDocument(Document{Resources: []json.RawMessage{}})
	require.NoError(t, err)
	assert.Equal(t, want, compiled.Hash)
	assert.Equal(t, core.ModeEnforce, compiled.Mode)
}

func TestCompileSkipsInactiveAndMissingPolicies(t *testing.T) {
	active := makeInput(t, "P_ok", 10, compileBase, core.ModeEnforce,
		`{"type":"winget.package","id":"git"}`)

	inactive := makeInput(t, "P_off", 5, compileBase, core.ModeEnforce,
		`{"type":"winget.package","id":"git","version":"9"}`)
	inactive.Policy.IsActive = false

	missing := Input{Assignment: core.PolicyAssignment{
		ID: uuid.New(), PolicyID: uuid.New(), Priority: 1, CreatedAt: compileBase,
	}}

	compiled, err := Compile([]Input{active, inactive, missing})
	require.NoError(t, err)

	require.Len(t, compiled.Document.Resources, 1)
	assert.Equal(t, "P_ok", compiled.SourceBy["winget.package/git"].PolicyName)

	reasons := map[string]string{}
	for _, sk := range compiled.Skipped {
		reasons[sk.AssignmentID.String()] = sk.Reason
	}
	assert.Equal(t, "policy_inactive", reasons[inactive.Assignment.ID.String()])
	assert.Equal(t, "policy_missing", reasons[missing.Assignment.ID.String()])
	assert.Empty(t, compiled.Conflicts, "skipped policies must not generate conflicts")
}

func TestCompileModeAuditOnlyWhenAllAudit(t *testing.T) {
	auditOnly := []Input{
		makeInput(t, "P_A", 10, compileBase, core.ModeAudit, `{"type":"t","id":"a"}`),
		makeInput(t, "P_B", 20, compileBase, core.ModeAudit, `{"type":"t","id":"b"}`),
	}
	compiled, err := Compile(auditOnly)
	require.NoError(t, err)
	assert.Equal(t, core.ModeAudit, compiled.Mode)

	mixed := append(auditOnly,
		makeInput(t, "P_C", 30, compileBase, core.ModeEnforce, `{"type":"t","id":"c"}`))
	compiled, err = Compile(mixed)
	require.NoError(t, err)
	assert.Equal(t, core.ModeEnforce, compiled.Mode)
	assert.Equal(t, core.ModeAudit, compiled.ModeBy["t/a"])
	assert.Equal(t, core.ModeEnforce, compiled.ModeBy["t/c"])
}

func TestCompileResourceKeyNormalization(t *testing.T) {
	a := makeInput(t, "P_A", 10, compileBase, core.ModeEnforce,
		`{"type":"Registry.Value","id":"Telemetry"}`)
	b := makeInput(t, "P_B", 20, compileBase, core.ModeEnforce,
		`{"type":"registry.value","id":"telemetry"}`)

	compiled, err := Compile([]Input{a, b})
	require.NoError(t, err)

	// Both type and id compare case-insensitively.
	require.Len(t, compiled.Document.Resources, 1)
	require.Len(t, compiled.Conflicts, 1)
	assert.Equal(t, "registry.value/telemetry", compiled.Conflicts[0].Key)
	assert.Equal(t, "P_A", compiled.SourceBy["registry.value/telemetry"].PolicyName)
}

func TestCompileWingetCatalogIdentity(t *testing.T) {
	// Different local ids, same winget catalog id: one package.
	a := makeInput(t, "P_A", 10, compileBase, core.ModeEnforce,
		`{"type":"winget.package","id":"putty-x64","package_id":"PuTTY.PuTTY"}`)
	b := makeInput(t, "P_B", 20, compileBase, core.ModeEnforce,
		`{"type":"winget.package","id":"putty","packageId":"putty.putty"}`)

	compiled, err := Compile([]Input{a, b})
	require.NoError(t, err)

	require.Len(t, compiled.Document.Resources, 1)
	require.Len(t, compiled.Conflicts, 1)
	assert.Equal(t, "winget.package/putty.putty", compiled.Conflicts[0].Key)
	assert.Equal(t, "P_A", compiled.Conflicts[0].WinnerPolicy)

	// Without a catalog id the local id still identifies the package.
	c := makeInput(t, "P_C", 10, compileBase, core.ModeEnforce,
		`{"type":"winget.package","id":"Git.Git"}`)
	d := makeInput(t, "P_D", 20, compileBase, core.ModeEnforce,
		`{"type":"winget.package","id":"git.git"}`)

	compiled, err = Compile([]Input{c, d})
	require.NoError(t, err)
	require.Len(t, compiled.Document.Resources, 1)
	assert.Equal(t, "P_C", compiled.SourceBy["winget.package/git.git"].PolicyName)
}

func TestCompileKeepsResourcesWithoutIdentity(t *testing.T) {
	in := makeInput(t, "P_A", 10, compileBase, core.ModeEnforce,
		`{"type":"script.powershell","note":"no id"}`,
		`{"type":"script.powershell","note":"no id"}`)

	compiled, err := Compile([]Input{in})
	require.NoError(t, err)

	assert.Len(t, compiled.Document.Resources, 2)
	assert.Empty(t, compiled.Conflicts)
}

func TestCompilePreservesUnknownResourceFields(t *testing.T) {
	res := `{"type":"script.powershell","id":"p1","detect":"Test-Path C:\\x","timeout_seconds":30,"custom":{"nested":true}}`
	in := makeInput(t, "P_A", 10, compileBase, core.ModeEnforce, res)

	compiled, err := Compile([]Input{in})
	require.NoError(t, err)

	require.Len(t, compiled.Document.Resources, 1)
	assert.JSONEq(t, res, string(compiled.Document.Resources[0]))
}
