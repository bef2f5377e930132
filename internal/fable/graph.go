package fable

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fablecast/fablecast/internal/genclient"
	"github.com/fablecast/fablecast/internal/pipeline"
	"github.com/fablecast/fablecast/internal/util"
)

// State keys shared between the standard stages
const (
	KeyInputPath        = "input_path"
	KeyDocument         = "document"
	KeyChapters         = "chapters"
	KeyScripts          = "scripts"
	KeyChapterArtifacts = "chapter_artifacts"
	KeyFinalArtifact    = "final_artifact"
)

// Stage names of the standard graph
const (
	StageIngest   = "ingest"
	StageSegment  = "segment"
	StageGenerate = "generate-chapter"
	StageCompose  = "compose-chapter"
	StageMerge    = "merge"
)

// Deps are the collaborators the standard graph is built around
type Deps struct {
	Reader    Reader
	Segmenter Segmenter
	Generator *genclient.Client
	Composer  Composer
	Merger    Merger
}

// NewGraph declares the five-stage document pipeline:
//
//	ingest -> segment -> generate-chapter (fan-out) ->
//	compose-chapter (fan-out) -> merge
//
// Seeded with input_path; both fan-out stages tolerate partial failure,
// so a run with a bad chapter still produces output from the good ones.
func NewGraph(deps Deps) *pipeline.Graph {
	return &pipeline.Graph{
		SeedKeys: []string{KeyInputPath},
		Stages: []pipeline.Stage{
			{
				Name:    StageIngest,
				Inputs:  []string{KeyInputPath},
				Outputs: []string{KeyDocument},
				Run: func(ctx context.Context, state *pipeline.State) (map[string]json.RawMessage, error) {
					path, err := state.String(KeyInputPath)
					if err != nil {
						return nil, err
					}
					doc, err := deps.Reader.Read(ctx, path)
					if err != nil {
						return nil, err
					}
					return outputs(KeyDocument, doc)
				},
			},
			{
				Name:    StageSegment,
				Inputs:  []string{KeyDocument},
				Outputs: []string{KeyChapters},
				Run: func(ctx context.Context, state *pipeline.State) (map[string]json.RawMessage, error) {
					var doc Document
					if err := state.Unmarshal(KeyDocument, &doc); err != nil {
						return nil, err
					}
					chapters, err := deps.Segmenter.Segment(ctx, &doc)
					if err != nil {
						return nil, err
					}
					if len(chapters) == 0 {
						return nil, fmt.Errorf("segmentation produced no chapters for %s", doc.Ref)
					}
					return outputs(KeyChapters, chapters)
				},
			},
			{
				Name:      StageGenerate,
				Inputs:    []string{KeyChapters},
				Outputs:   []string{KeyScripts},
				Reducers:  map[string]pipeline.ReducerKind{KeyScripts: pipeline.ReduceAppendByUnit},
				FanOutKey: KeyChapters,
				RunUnit: func(ctx context.Context, state *pipeline.State, index int, unitInput json.RawMessage) (json.RawMessage, error) {
					var chapter Chapter
					if err := json.Unmarshal(unitInput, &chapter); err != nil {
						return nil, fmt.Errorf("unit input is not a chapter: %w", err)
					}
					runID, _ := state.String(pipeline.RunIDKey)

					result, err := deps.Generator.GenerateAndValidate(ctx, genclient.Request{
						Kind:   KindScript,
						Prompt: BuildScriptPrompt(chapter),
						Params: map[string]any{
							"chapter_id":    chapter.ID,
							"chapter_title": chapter.Title,
							"chapter_text":  chapter.Text,
						},
						RunID:    runID,
						UnitKey:  fmt.Sprintf("%s/unit_%04d", StageGenerate, index),
						Resource: "llm",
					})
					if err != nil {
						return nil, err
					}

					var script Script
					if err := json.Unmarshal(result.Payload, &script); err != nil {
						return nil, fmt.Errorf("validated payload is not a script: %w", err)
					}
					script.ChapterID = chapter.ID
					return json.Marshal(script)
				},
			},
			{
				Name:      StageCompose,
				Inputs:    []string{KeyScripts},
				Outputs:   []string{KeyChapterArtifacts},
				Reducers:  map[string]pipeline.ReducerKind{KeyChapterArtifacts: pipeline.ReduceAppendByUnit},
				FanOutKey: KeyScripts,
				RunUnit: func(ctx context.Context, state *pipeline.State, index int, unitInput json.RawMessage) (json.RawMessage, error) {
					var script Script
					if err := json.Unmarshal(unitInput, &script); err != nil {
						return nil, fmt.Errorf("unit input is not a script: %w", err)
					}
					runID, _ := state.String(pipeline.RunIDKey)
					path, err := deps.Composer.Compose(ctx, runID, script)
					if err != nil {
						return nil, err
					}
					return json.Marshal(path)
				},
			},
			{
				Name:    StageMerge,
				Inputs:  []string{KeyChapterArtifacts},
				Outputs: []string{KeyFinalArtifact},
				Run: func(ctx context.Context, state *pipeline.State) (map[string]json.RawMessage, error) {
					var paths []string
					if err := state.Unmarshal(KeyChapterArtifacts, &paths); err != nil {
						return nil, err
					}
					runID, _ := state.String(pipeline.RunIDKey)
					final, err := deps.Merger.Merge(ctx, runID, paths)
					if err != nil {
						return nil, err
					}
					return outputs(KeyFinalArtifact, final)
				},
			},
		},
	}
}

// BuildScriptPrompt renders the generation instructions for one chapter
func BuildScriptPrompt(chapter Chapter) string {
	return fmt.Sprintf(
		"Return a JSON object with key 'slides'. Each slide must contain "+
			"id, title, narration, bullets, visual_prompt and duration_secs. "+
			"Narrate the chapter %q faithfully.\n\nChapter text:\n%s",
		chapter.Title, util.TruncateString(chapter.Text, 8000))
}

func outputs(key string, value any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return map[string]json.RawMessage{key: raw}, nil
}
