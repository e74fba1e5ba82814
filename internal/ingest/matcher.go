package ingest

import (
	"github.com/stitchandsole/leadsync/internal/match"
	"github.com/stitchandsole/leadsync/internal/model"
	"github.com/stitchandsole/leadsync/internal/phoneindex"
	"github.com/stitchandsole/leadsync/pkg/shopify"
)

// MatchOrder links a storefront order to the messaging customer holding
// the same phone line. It returns nil when the order carries no phone or
// no directory entry resolves for it; nil means no customer could be
// associated at all, which is different from a found customer whose
// identity scored ConfidenceNone.
func MatchOrder(idx *phoneindex.Index, order shopify.Order, countryCode string) *model.OrderMatch {
	phone := order.CustomerPhone()
	if phone == "" {
		return nil
	}
	customer, ok := idx.Lookup(phone)
	if !ok {
		return nil
	}

	first, last := order.CustomerName()
	return &model.OrderMatch{
		RemoteCustomerID: customer.ID,
		RemoteName:       customer.Name,
		RemotePhone:      customer.ChannelID,
		MatchResult:      match.Confidence(customer.ChannelID, customer.Name, phone, first, last, countryCode),
	}
}
