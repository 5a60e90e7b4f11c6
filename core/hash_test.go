package core

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestKAnonKeyForAdBid(t *testing.T) {
	group := &InterestGroup{
		Owner:      "https://buyer.test",
		Name:       "shoes",
		BiddingURL: "https://buyer.test/bid.js",
	}

	key := KAnonKeyForAdBid(group, "https://ads.test/1")

	// SHA256 hex encoding
	check.Equal(t, 64, len(key))
	for _, c := range key {
		check.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'))
	}

	check.Equal(t, key, KAnonKeyForAdBid(group, "https://ads.test/1"))
	check.NotEqual(t, key, KAnonKeyForAdBid(group, "https://ads.test/2"))

	expected := fmt.Sprintf("%x", sha256.Sum256([]byte("AdBid\nhttps://buyer.test\nhttps://buyer.test/bid.js\nhttps://ads.test/1")))
	check.Equal(t, expected, key)
}

func TestKAnonKeyForAdComponent(t *testing.T) {
	key := KAnonKeyForAdComponent("https://ads.test/c1")
	expected := fmt.Sprintf("%x", sha256.Sum256([]byte("ComponentBid\nhttps://ads.test/c1")))
	check.Equal(t, expected, key)
	check.NotEqual(t, key, KAnonKeyForAdBid(&InterestGroup{}, "https://ads.test/c1"))
}

func TestKAnonKeysForBid(t *testing.T) {
	group := &InterestGroup{Owner: "https://buyer.test", BiddingURL: "https://buyer.test/bid.js"}
	bid := &Bid{
		RenderURL:    "https://ads.test/1",
		AdComponents: []string{"https://ads.test/c1", "https://ads.test/c2", "https://ads.test/c1"},
		State:        NewBidState(group, ""),
	}

	keys := KAnonKeysForBid(bid)
	check.Equal(t, 3, len(keys))
	for i := 1; i < len(keys); i++ {
		check.True(t, keys[i-1] < keys[i])
	}
	check.True(t, slices.Contains(keys, KAnonKeyForAdBid(group, "https://ads.test/1")))
	check.True(t, slices.Contains(keys, KAnonKeyForAdComponent("https://ads.test/c2")))
}
