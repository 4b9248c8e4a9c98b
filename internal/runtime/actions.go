package runtime

import (
	"context"
	"errors"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

// runActions performs the actions of an ActionStep in order. Side effects
// are emitted as requests for the host. A flow action stops the step and its
// target is returned so the caller can hand the contact off.
func (e *Engine) runActions(ctx context.Context, sp *sprint, g *domain.Graph, run *domain.Run, step *domain.ActionStep) string {
	for _, action := range step.Actions {
		switch a := action.(type) {
		case domain.ReplyAction:
			text := e.substitute(domain.Category(a.Msg).Name(run.Language, g.BaseLanguage), run)
			sp.emit(domain.ActionRequest{Type: domain.ActionSendMsg, Payload: domain.MsgOut{
				RunUUID:     run.UUID,
				ContactUUID: run.ContactUUID,
				Text:        text,
				Language:    run.Language,
			}})
			run.Events = append(run.Events, domain.RunEvent{
				Type:      domain.RunEventMsgCreated,
				CreatedOn: sp.now,
				StepUUID:  run.CurrentStepUUID(),
				Payload:   map[string]any{"text": text},
			})
			sp.lastText[run.UUID] = text

		case domain.AddGroupAction:
			sp.emit(domain.ActionRequest{Type: domain.ActionAddGroups, Payload: domain.GroupChange{
				ContactUUID: run.ContactUUID,
				Groups:      a.Groups,
			}})

		case domain.DelGroupAction:
			sp.emit(domain.ActionRequest{Type: domain.ActionRemoveGroups, Payload: domain.GroupChange{
				ContactUUID: run.ContactUUID,
				Groups:      a.Groups,
			}})

		case domain.SaveFieldAction:
			sp.emit(domain.ActionRequest{Type: domain.ActionSaveField, Payload: domain.FieldChange{
				ContactUUID: run.ContactUUID,
				Field:       a.Field,
				Value:       e.substitute(a.Value, run),
			}})

		case domain.SetLanguageAction:
			run.Language = a.Lang
			sp.emit(domain.ActionRequest{Type: domain.ActionSetLanguage, Payload: domain.FieldChange{
				ContactUUID: run.ContactUUID,
				Field:       "language",
				Value:       a.Lang,
			}})

		case domain.EmailAction:
			sp.emit(domain.ActionRequest{Type: domain.ActionSendEmail, Payload: domain.EmailOut{
				RunUUID: run.UUID,
				Emails:  a.Emails,
				Subject: e.substitute(a.Subject, run),
				Body:    e.substitute(a.Msg, run),
			}})

		case domain.StartFlowAction:
			return a.FlowUUID

		default:
			e.logger.Warn("skipping unknown action", "run_uuid", run.UUID, "type", action.ActionType())
		}
	}
	return ""
}

// handoff ends run and its ancestors and starts the contact fresh in
// flowUUID. Unlike a subflow, nothing resumes afterwards.
func (e *Engine) handoff(ctx context.Context, sp *sprint, run *domain.Run, flowUUID string) error {
	e.exit(ctx, sp, run, domain.StatusCompleted)

	if run.ParentUUID != "" {
		parent, err := e.load(ctx, sp, run.ParentUUID)
		switch {
		case errors.Is(err, domain.ErrRunNotFound):
		case err != nil:
			return err
		default:
			if err := e.finish(ctx, sp, parent, domain.StatusInterrupted); err != nil {
				return err
			}
		}
	}

	flow, err := e.flows.GetFlow(ctx, flowUUID)
	if errors.Is(err, domain.ErrFlowNotFound) {
		e.logger.Warn("hand-off target does not exist", "run_uuid", run.UUID, "target_flow", flowUUID)
		return nil
	}
	if err != nil {
		return err
	}
	if flow.IsArchived || !flow.IsActive {
		e.logger.Info("hand-off target is not active", "run_uuid", run.UUID, "target_flow", flowUUID)
		return nil
	}

	next := domain.NewRun(e.newUUID(), flowUUID, run.ContactUUID, sp.now)
	next.Language = run.Language
	for k, v := range run.Extra {
		next.Extra[k] = v
	}
	return e.enter(ctx, sp, next)
}
