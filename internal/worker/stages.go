package worker

import (
	"context"

	"pose-studio-backend/internal/flux"
	"pose-studio-backend/internal/models"
	"pose-studio-backend/internal/pipeline"
)

// StageBuilder assembles the enhancement pipeline for one pose item.
// The base pose stage is always first; fashion, background and
// profession theme stages are appended only when the generation carries
// the corresponding settings.
type StageBuilder struct {
	flux *flux.Client
}

func NewStageBuilder(fluxClient *flux.Client) *StageBuilder {
	return &StageBuilder{flux: fluxClient}
}

func (b *StageBuilder) Stages(gen *models.Generation, avatar *models.Avatar, poseID string) []pipeline.Stage {
	stages := []pipeline.Stage{
		{
			Name: "pose",
			Apply: func(ctx context.Context, _ []byte) ([]byte, error) {
				return b.flux.GeneratePose(ctx, flux.GeneratePoseRequest{
					AvatarImageURL: avatar.BaseImageURL,
					PoseTemplateID: poseID,
					Prompt:         gen.Prompt,
				})
			},
		},
	}

	if len(gen.FashionSettings) > 0 {
		stages = append(stages, pipeline.Stage{
			Name: "fashion",
			Apply: func(ctx context.Context, input []byte) ([]byte, error) {
				return b.flux.AddFashionItems(ctx, input, gen.FashionSettings)
			},
		})
	}

	if len(gen.BackgroundSettings) > 0 {
		stages = append(stages, pipeline.Stage{
			Name: "background",
			Apply: func(ctx context.Context, input []byte) ([]byte, error) {
				return b.flux.ReplaceBackground(ctx, input, gen.BackgroundSettings)
			},
		})
	}

	if gen.ProfessionTheme.Valid && gen.ProfessionTheme.String != "" {
		theme := gen.ProfessionTheme.String
		stages = append(stages, pipeline.Stage{
			Name: "profession_theme",
			Apply: func(ctx context.Context, input []byte) ([]byte, error) {
				return b.flux.ApplyProfessionTheme(ctx, input, theme)
			},
		})
	}

	return stages
}
