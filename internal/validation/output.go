package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	agentSchema = mustCompileSchema("agent_output.schema.json")
	judgeSchema = mustCompileSchema("judge_output.schema.json")
)

// ErrMissingOutput means the container exited without writing its result file.
var ErrMissingOutput = errors.New("result file missing")

func mustCompileSchema(name string) *jsonschema.Schema {
	raw, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("reading embedded %s: %v", name, err))
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		panic(fmt.Sprintf("failed to parse embedded %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, schemaDoc); err != nil {
		panic(fmt.Sprintf("failed to add %s resource: %v", name, err))
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to compile %s: %v", name, err))
	}
	return sch
}

// AgentOutput is what an agent container reports in /output/result.json.
type AgentOutput struct {
	Status  string   `json:"status"`
	Model   string   `json:"model"`
	CostUSD *float64 `json:"cost_usd"`
	Tokens  struct {
		Input      int `json:"input"`
		Output     int `json:"output"`
		CacheRead  int `json:"cache_read"`
		CacheWrite int `json:"cache_write"`
	} `json:"tokens"`
}

// JudgeOutput is what a judge container reports in /output/result.json.
type JudgeOutput struct {
	Score     *float64           `json:"score"`
	Passed    *bool              `json:"passed"`
	Breakdown map[string]float64 `json:"breakdown"`
	Rationale string             `json:"rationale"`
}

func ParseAgentOutput(path string) (*AgentOutput, error) {
	data, err := readOutput(path)
	if err != nil {
		return nil, err
	}
	if err := validateDoc(agentSchema, data); err != nil {
		return nil, err
	}
	var out AgentOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding agent output: %w", err)
	}
	return &out, nil
}

// ParseJudgeOutput accepts strict JSON, or a JSON object wrapped in markdown
// fences or surrounding prose, since judges are often language models.
func ParseJudgeOutput(path string) (*JudgeOutput, error) {
	data, err := readOutput(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		extracted, err := ExtractJSON(string(data))
		if err != nil {
			return nil, err
		}
		data = extracted
	}
	if err := validateDoc(judgeSchema, data); err != nil {
		return nil, err
	}
	var out JudgeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding judge output: %w", err)
	}
	return &out, nil
}

func readOutput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrMissingOutput
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("result file is empty")
	}
	return data, nil
}

func validateDoc(sch *jsonschema.Schema, data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("result is not valid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %v", err)
	}
	return nil
}
