// Extractor is the symbol-extraction dependency named in spec.md §4.6:
// an external LLM completion service injected behind an interface so
// tests can substitute a deterministic stub, per spec.md §9's "LLM
// coupling" design note.
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/vibinex/review-agent/internal/graph/llmclient"
	"github.com/vibinex/review-agent/internal/models"
)

// FunctionCall is one call site located by FunctionsInFile.
type FunctionCall struct {
	Line int
	Name string
}

// ImportLocation is the result of ImportPathFor.
type ImportLocation struct {
	Line          int
	ImportStmt    string
	ResolvedPath  string
}

// Extractor is the injectable symbol-extraction dependency.
type Extractor interface {
	// IdentifyDefs splits file content into 20-line chunks and returns
	// function/structure definition lines.
	IdentifyDefs(ctx context.Context, file, language string, content string) ([]models.FuncDef, error)

	// FunctionNameFromLine is a two-step call: a validator prompt
	// confirms "is a definition?", then a second prompt extracts the
	// name. Results are cached in-memory keyed by the trimmed line.
	FunctionNameFromLine(ctx context.Context, line, language string) (name string, ok bool, err error)

	// FunctionsInFile scans 50-line chunks for call sites, concatenated
	// and filtered to non-empty names.
	FunctionsInFile(ctx context.Context, file, language, content string) ([]FunctionCall, error)

	// ImportPathFor scans 20-line chunks for the import statement that
	// brings functionName into scope, stopping at the first match.
	ImportPathFor(ctx context.Context, functionName, file, language, content string) (*ImportLocation, bool, error)
}

// llmExtractor is the concrete Extractor backed by llmclient.Client.
type llmExtractor struct {
	client *llmclient.Client
	cache  map[string]cachedName
}

type cachedName struct {
	name string
	ok   bool
}

// NewExtractor builds the default Extractor, grounded on
// original_source/vibi-dpu/src/llm/{elements,function_info,
// function_line_range,gitops,mermaid_elements,utils}.rs for the chunk
// sizes and prompt shapes, realized over the OpenAI-SSE llmclient.
func NewExtractor(client *llmclient.Client) Extractor {
	return &llmExtractor{client: client, cache: make(map[string]cachedName)}
}

func chunkLines(content string, size int) []string {
	lines := strings.Split(content, "\n")
	var chunks []string
	for i := 0; i < len(lines); i += size {
		end := i + size
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, strings.Join(lines[i:end], "\n"))
	}
	return chunks
}

func (e *llmExtractor) IdentifyDefs(ctx context.Context, file, language, content string) ([]models.FuncDef, error) {
	var defs []models.FuncDef
	offset := 0
	for _, chunk := range chunkLines(content, 20) {
		lineCount := strings.Count(chunk, "\n") + 1
		prompt := fmt.Sprintf("Identify every function or structure definition line in this %s code, one per line as \"<line_number>: <name>\":\n%s", language, chunk)
		resp, err := e.client.Complete(ctx, prompt)
		if err != nil {
			// A whole-file failure skips the file; here we skip the
			// chunk and continue, letting the caller decide whether
			// enough of the file resolved.
			offset += lineCount
			continue
		}
		for _, d := range parseDefLines(resp, file, offset) {
			defs = append(defs, d)
		}
		offset += lineCount
	}
	return defs, nil
}

func parseDefLines(resp, file string, offset int) []models.FuncDef {
	var defs []models.FuncDef
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		var lineNo int
		if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%d", &lineNo); err != nil {
			continue
		}
		name := strings.TrimSpace(parts[1])
		if name == "" {
			continue
		}
		absolute := offset + lineNo
		defs = append(defs, models.FuncDef{
			File:      file,
			Name:      name,
			LineStart: absolute,
			LineEnd:   absolute,
		})
	}
	return defs
}

func (e *llmExtractor) FunctionNameFromLine(ctx context.Context, line, language string) (string, bool, error) {
	key := strings.TrimSpace(line)
	if cached, ok := e.cache[key]; ok {
		return cached.name, cached.ok, nil
	}

	validatorPrompt := fmt.Sprintf("Is the following %s line a function or structure definition? Answer yes or no:\n%s", language, key)
	validatorResp, err := e.client.Complete(ctx, validatorPrompt)
	if err != nil {
		return "", false, err
	}
	if !strings.Contains(strings.ToLower(validatorResp), "yes") {
		e.cache[key] = cachedName{ok: false}
		return "", false, nil
	}

	namePrompt := fmt.Sprintf("Extract only the function or structure name from this %s definition line:\n%s", language, key)
	nameResp, err := e.client.Complete(ctx, namePrompt)
	if err != nil {
		return "", false, err
	}
	name := strings.TrimSpace(nameResp)
	e.cache[key] = cachedName{name: name, ok: name != ""}
	return name, name != "", nil
}

func (e *llmExtractor) FunctionsInFile(ctx context.Context, file, language, content string) ([]FunctionCall, error) {
	var calls []FunctionCall
	offset := 0
	for _, chunk := range chunkLines(content, 50) {
		lineCount := strings.Count(chunk, "\n") + 1
		prompt := fmt.Sprintf("List every function call site in this %s code, one per line as \"<line_number>: <function_name>\":\n%s", language, chunk)
		resp, err := e.client.Complete(ctx, prompt)
		if err == nil {
			for _, c := range parseCallLines(resp, offset) {
				if c.Name != "" {
					calls = append(calls, c)
				}
			}
		}
		offset += lineCount
	}
	return calls, nil
}

func parseCallLines(resp string, offset int) []FunctionCall {
	var calls []FunctionCall
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		var lineNo int
		if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%d", &lineNo); err != nil {
			continue
		}
		calls = append(calls, FunctionCall{Line: offset + lineNo, Name: strings.TrimSpace(parts[1])})
	}
	return calls
}

func (e *llmExtractor) ImportPathFor(ctx context.Context, functionName, file, language, content string) (*ImportLocation, bool, error) {
	offset := 0
	for _, chunk := range chunkLines(content, 20) {
		lineCount := strings.Count(chunk, "\n") + 1
		prompt := fmt.Sprintf("Does this %s code import the function %q? If so, reply with \"<line_number>: <import statement>\"; otherwise reply \"no\":\n%s", language, functionName, chunk)
		resp, err := e.client.Complete(ctx, prompt)
		if err == nil {
			resp = strings.TrimSpace(resp)
			if !strings.EqualFold(resp, "no") {
				parts := strings.SplitN(resp, ":", 2)
				if len(parts) == 2 {
					var lineNo int
					if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%d", &lineNo); err == nil {
						return &ImportLocation{
							Line:       offset + lineNo,
							ImportStmt: strings.TrimSpace(parts[1]),
						}, true, nil
					}
				}
			}
		}
		offset += lineCount
	}
	return nil, false, nil
}
