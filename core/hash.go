package core

import (
	"crypto/sha256"
	"fmt"
	"sort"
)

// KAnonKeyForAdBid computes the k-anonymity key of a render URL bid by an
// interest group.
//
// Formula: SHA256("AdBid\n" + owner + "\n" + bidding_url + "\n" + render_url)
func KAnonKeyForAdBid(group *InterestGroup, renderURL string) string {
	data := fmt.Sprintf("AdBid\n%s\n%s\n%s", group.Owner, group.BiddingURL, renderURL)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// KAnonKeyForAdComponent computes the k-anonymity key of an ad component
// render URL.
//
// Formula: SHA256("ComponentBid\n" + render_url)
func KAnonKeyForAdComponent(renderURL string) string {
	data := fmt.Sprintf("ComponentBid\n%s", renderURL)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// KAnonKeysForBid returns the sorted, de-duplicated k-anonymity keys a bid
// needs to join: its render URL plus every ad component.
func KAnonKeysForBid(bid *Bid) []string {
	seen := make(map[string]struct{})
	seen[KAnonKeyForAdBid(bid.State.Group, bid.RenderURL)] = struct{}{}
	for _, component := range bid.AdComponents {
		seen[KAnonKeyForAdComponent(component)] = struct{}{}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
