package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
)

const (
	opClaim   = "orchestrator.claim"
	opUnclaim = "orchestrator.unclaim"
)

var (
	// ErrNotClaimable indicates the kind has no claim lifecycle.
	ErrNotClaimable = errors.New("orchestrator: kind is not claimable")
	// ErrInvalidTransition indicates the record's current status does not allow the action.
	ErrInvalidTransition = errors.New("orchestrator: invalid status transition")
	// ErrNotClaimer indicates that only the current claimer may release a claim.
	ErrNotClaimer = errors.New("orchestrator: only the claimer may unclaim")
)

// ActionResult reports a claim action. Refresh carries the follow-up sync of
// the record's collection; ParticipantErr is set when the conversation
// membership update failed after the claim itself succeeded.
type ActionResult struct {
	Record         resources.Record
	Refresh        Result
	ParticipantErr error
}

// Claim marks the record as claimed by the current user on the backend, adds
// the user to the record's conversation and refreshes the collection. The
// local store is only changed by the refresh.
func (o *Orchestrator) Claim(ctx context.Context, key resources.ResourceKey) (ActionResult, error) {
	user, current, err := o.prepareAction(ctx, opClaim, key)
	if err != nil {
		return ActionResult{}, err
	}
	if !resources.CanTransition(current.Status(), resources.StatusClaimed) || current.Status() == resources.StatusClaimed {
		return ActionResult{}, newServiceError(opClaim, "invalid_transition",
			fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status(), resources.StatusClaimed))
	}

	updated, err := o.gateway.UpdateRecord(ctx, key.Kind, key.ID, map[string]any{
		"status":     resources.StatusClaimed.Raw(),
		"claimed_by": user.String(),
	})
	if err != nil {
		if isCancellation(ctx, err) {
			return ActionResult{}, err
		}
		o.logError(opClaim, "update_failed", err, zap.String("record_key", key.String()))
		return ActionResult{}, newServiceError(opClaim, "update_failed", err)
	}

	action := ActionResult{Record: updated}
	conversationID := updated.ConversationID
	if conversationID == "" {
		conversationID = current.ConversationID
	}
	if conversationID != "" {
		if err := o.gateway.AddParticipants(ctx, resources.RecordID(conversationID), []resources.UserID{user}); err != nil {
			action.ParticipantErr = err
			o.logWarn(opClaim, "add_participant_failed", err,
				zap.String("record_key", key.String()),
				zap.String("conversation_id", conversationID),
			)
		}
	}
	action.Refresh = o.refreshKind(ctx, key.Kind)
	return action, nil
}

// Unclaim releases the current user's claim and refreshes the collection.
func (o *Orchestrator) Unclaim(ctx context.Context, key resources.ResourceKey) (ActionResult, error) {
	user, current, err := o.prepareAction(ctx, opUnclaim, key)
	if err != nil {
		return ActionResult{}, err
	}
	if current.Status() != resources.StatusClaimed || !resources.CanTransition(current.Status(), resources.StatusOpen) {
		return ActionResult{}, newServiceError(opUnclaim, "invalid_transition",
			fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status(), resources.StatusOpen))
	}
	if current.ClaimedBy != user.String() {
		return ActionResult{}, newServiceError(opUnclaim, "not_claimer", ErrNotClaimer)
	}

	updated, err := o.gateway.UpdateRecord(ctx, key.Kind, key.ID, map[string]any{
		"status":     resources.StatusOpen.Raw(),
		"claimed_by": nil,
	})
	if err != nil {
		if isCancellation(ctx, err) {
			return ActionResult{}, err
		}
		o.logError(opUnclaim, "update_failed", err, zap.String("record_key", key.String()))
		return ActionResult{}, newServiceError(opUnclaim, "update_failed", err)
	}
	return ActionResult{Record: updated, Refresh: o.refreshKind(ctx, key.Kind)}, nil
}

func (o *Orchestrator) prepareAction(ctx context.Context, operation string, key resources.ResourceKey) (resources.UserID, resources.Record, error) {
	if !key.Kind.Claimable() {
		return "", resources.Record{}, newServiceError(operation, "not_claimable", fmt.Errorf("%w: %s", ErrNotClaimable, key.Kind))
	}
	user, err := o.session.CurrentUser()
	if err != nil {
		return "", resources.Record{}, err
	}
	current, found, err := o.store.Get(ctx, key)
	if err != nil {
		return "", resources.Record{}, newServiceError(operation, "lookup_failed", err)
	}
	if !found {
		current, err = o.gateway.FetchOne(ctx, key.Kind, key.ID)
		if err != nil {
			return "", resources.Record{}, newServiceError(operation, "lookup_failed", err)
		}
	}
	return user, current, nil
}

func (o *Orchestrator) refreshKind(ctx context.Context, kind resources.Kind) Result {
	collection, ok := o.CollectionForKind(kind)
	if !ok {
		return Result{}
	}
	result, err := o.Refresh(ctx, collection.Name)
	if err != nil {
		o.logWarn(opSync, "post_action_refresh_failed", err, zap.String("collection", collection.Name))
	}
	return result
}
