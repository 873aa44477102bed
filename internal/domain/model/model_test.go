package model_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	model "github.com/okian/klyro/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestIdentityNormalize(t *testing.T) {
	convey.Convey("Given an identity with messy addresses", t, func() {
		id := model.Identity{
			Username:  " alice ",
			Addresses: []string{"0xABC", " 0xabc", "", "0xDEF"},
		}

		convey.Convey("When normalizing", func() {
			n := id.Normalize()

			convey.Convey("Then addresses are lower-cased and de-duplicated in order", func() {
				convey.So(n.Username, convey.ShouldEqual, "alice")
				convey.So(n.Addresses, convey.ShouldResemble, []string{"0xabc", "0xdef"})
			})
		})
	})
}

func TestStatusAndDomain(t *testing.T) {
	convey.Convey("Given status names", t, func() {
		s, err := model.ParseStatus("completed")
		convey.So(err, convey.ShouldBeNil)
		convey.So(s, convey.ShouldEqual, model.StatusCompleted)

		_, err = model.ParseStatus("done")
		convey.So(err, convey.ShouldNotBeNil)

		convey.So(model.DomainBadge.Valid(), convey.ShouldBeTrue)
		convey.So(model.Domain("other").Valid(), convey.ShouldBeFalse)

		convey.So(model.StatusCompleted.Terminal(), convey.ShouldBeTrue)
		convey.So(model.StatusFailed.Terminal(), convey.ShouldBeTrue)
		convey.So(model.StatusPending.Terminal(), convey.ShouldBeFalse)
		convey.So(model.StatusProcessing.Terminal(), convey.ShouldBeFalse)
	})
}

func TestRequiredDomains(t *testing.T) {
	convey.Convey("Given users with different identities", t, func() {
		convey.Convey("A wallet-only user does not require code-host data", func() {
			u := model.User{ID: uuid.New(), Addresses: []string{"0xabc"}}
			convey.So(u.RequiredDomains(), convey.ShouldResemble,
				[]model.Domain{model.DomainChain, model.DomainScore, model.DomainWorth})
		})

		convey.Convey("A username-only user does not require chain data", func() {
			u := model.User{ID: uuid.New(), Username: "alice"}
			convey.So(u.RequiredDomains(), convey.ShouldResemble,
				[]model.Domain{model.DomainCodeHost, model.DomainScore, model.DomainWorth})
		})

		convey.Convey("Badges are never required", func() {
			u := model.User{ID: uuid.New(), Username: "alice", Addresses: []string{"0xabc"}}
			convey.So(u.RequiredDomains(), convey.ShouldNotContain, model.DomainBadge)
		})
	})
}

func TestBadgeMerge(t *testing.T) {
	convey.Convey("Given badge results from two sources", t, func() {
		x := model.BadgeData{
			Hacker: model.BadgeBucket{Count: 2, Items: []model.Badge{{Name: "a"}, {Name: "b"}}},
			Wins:   model.BadgeBucket{Count: 1, Items: []model.Badge{{Name: "w"}}},
		}
		y := model.BadgeData{
			Hacker: model.BadgeBucket{Count: 1, Items: []model.Badge{{Name: "c"}}},
		}

		convey.Convey("When merging", func() {
			m := model.EmptyBadges().Merge(x).Merge(y)

			convey.Convey("Then counts sum and items concatenate", func() {
				convey.So(m.Hacker.Count, convey.ShouldEqual, 3)
				convey.So(m.Wins.Count, convey.ShouldEqual, 1)
				convey.So(m.TotalBadges, convey.ShouldEqual, 4)
				convey.So(len(m.Hacker.Items), convey.ShouldEqual, 3)
				convey.So(m.Hacker.Items[2].Name, convey.ShouldEqual, "c")
			})
		})
	})
}

func TestChainStatsAdd(t *testing.T) {
	convey.Convey("Given per-network stats", t, func() {
		var total model.ChainStats
		total.Add(model.ChainStats{MainnetContracts: 2, TVL: 10, ByCategory: map[model.TransferCategory]int{model.CategoryERC20: 3}})
		total.Add(model.ChainStats{TestnetContracts: 1, TVL: 5, ByCategory: map[model.TransferCategory]int{model.CategoryERC20: 1}})

		convey.So(total.MainnetContracts, convey.ShouldEqual, 2)
		convey.So(total.TestnetContracts, convey.ShouldEqual, 1)
		convey.So(total.TVL, convey.ShouldEqual, 15)
		convey.So(total.ByCategory[model.CategoryERC20], convey.ShouldEqual, 4)
	})

	convey.Convey("Network helpers classify testnets", t, func() {
		convey.So(model.NetworkKey("Ethereum", "Sepolia"), convey.ShouldEqual, "ethereum:sepolia")
		convey.So(model.IsTestnetName("base-sepolia"), convey.ShouldBeTrue)
		convey.So(model.IsTestnetName("mainnet"), convey.ShouldBeFalse)
	})
}

func TestAccountAge(t *testing.T) {
	convey.Convey("Given a profile created ten days ago", t, func() {
		now := time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC)
		p := model.CodeHostProfile{CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		convey.So(p.AccountAgeDays(now), convey.ShouldEqual, 10)
		convey.So(model.CodeHostProfile{}.AccountAgeDays(now), convey.ShouldEqual, 0)
	})
}
