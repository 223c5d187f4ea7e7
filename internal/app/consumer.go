/**
 * @description
 * Message handlers for events consumed from RabbitMQ. The governance service
 * publishes a fee-update event when a community fee vote has been executed;
 * this consumer applies the voted values to the fee ledger.
 *
 * Handlers return true to ack the message and false to nack-requeue it, so a
 * transient database failure retries while a malformed payload is dropped.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/communio/bank-service/internal/domain"
)

// GovernanceFeeConsumer applies governance fee votes to the ledger.
type GovernanceFeeConsumer struct {
	service *Service
}

func NewGovernanceFeeConsumer(service *Service) *GovernanceFeeConsumer {
	return &GovernanceFeeConsumer{service: service}
}

// HandleFeeUpdate processes a single governance fee event.
func (c *GovernanceFeeConsumer) HandleFeeUpdate(body []byte) bool {
	var event domain.GovernanceFeeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=governance_consumer msg=\"failed to unmarshal fee event; dropping\" err=%v", err)
		return true // malformed payloads never become valid on retry
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch event.Kind {
	case domain.FeeKindPost:
		err = c.service.UpdatePostFee(ctx, RoleGovernance, event.CommunityID, event.OwnerFeeBps, event.ModeratorBps, event.TreasuryBps, event.TotalBps)
	case domain.FeeKindComment:
		err = c.service.UpdateCommentFee(ctx, RoleGovernance, event.CommunityID, event.OwnerFeeBps, event.ModeratorBps, event.TreasuryBps, event.TotalBps)
	default:
		log.Printf("level=error component=governance_consumer msg=\"unknown fee kind; dropping\" kind=%s vote_id=%s", event.Kind, event.VoteID)
		return true
	}
	if err != nil {
		log.Printf("level=error component=governance_consumer msg=\"failed to apply fee vote; requeueing\" community_id=%d kind=%s vote_id=%s err=%v",
			event.CommunityID, event.Kind, event.VoteID, err)
		return false
	}

	log.Printf("level=info component=governance_consumer msg=\"fee vote applied\" community_id=%d kind=%s vote_id=%s", event.CommunityID, event.Kind, event.VoteID)
	return true
}
