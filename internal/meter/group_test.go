package meter_test

import (
	"errors"
	"fmt"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/smartmeter/internal/meter"
)

func expectFieldError(err error, field string) {
	GinkgoHelper()
	Expect(err).To(HaveOccurred())
	var verr *meter.ValidationError
	Expect(errors.As(err, &verr)).To(BeTrue(), "expected a validation error, got %v", err)
	Expect(verr.Field).To(Equal(field))
}

var _ = Describe("Ledger", func() {
	var (
		f       *fixture
		alice   meter.User
		bob     meter.User
		aliceM  *meter.Meter
		bobM    *meter.Meter
		group   *meter.Group
		t0      time.Time
		boolPtr = func(b bool) *bool { return &b }
		strPtr  = func(s string) *string { return &s }
	)

	BeforeEach(func() {
		f = newFixture()
		t0 = f.clock.Now()
		alice = f.user("alice")
		bob = f.user("bob")
		aliceM, _ = f.ingest(alice, sample{sn: "A1", at: t0, import1: "100", export1: "10", gas: "20"})
		bobM, _ = f.ingest(bob, sample{sn: "B1", at: t0, import1: "300", export1: "0", gas: "50"})

		var err error
		group, err = f.ledger.CreateGroup(f.ctx, alice, aliceM.ID, meter.GroupInput{
			Name:    "Zonnestraat",
			Summary: "Street sharing solar",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("CreateGroup", func() {
		It("should create the group with its founding participant", func() {
			Expect(group.ManagerID).To(Equal(alice.ID))
			Expect(group.AllowInvite).To(BeTrue())
			Expect(group.PublicKey).NotTo(BeEmpty())
			Expect(group.InvitationKey).NotTo(BeEmpty())
			Expect(group.Participants).To(HaveLen(1))

			founder := group.Participants[0]
			Expect(founder.MeterID).To(Equal(aliceM.ID))
			Expect(founder.DisplayName).To(Equal(aliceM.Name))
			Expect(fixed(founder.PowerImportJoined)).To(Equal("100.000"))
			Expect(fixed(founder.GasJoined.Decimal)).To(Equal("20.000"))
		})

		It("should reject a meter that already has a group", func() {
			_, err := f.ledger.CreateGroup(f.ctx, alice, aliceM.ID, meter.GroupInput{Name: "Second"})
			expectFieldError(err, "meter")
			Expect(f.count(&meter.Group{})).To(Equal(int64(1)))
		})

		It("should reject a meter of another user", func() {
			_, err := f.ledger.CreateGroup(f.ctx, alice, bobM.ID, meter.GroupInput{Name: "Stolen"})
			expectFieldError(err, "meter")
		})

		It("should keep invites closed when asked to", func() {
			m, _ := f.ingest(bob, sample{sn: "B2", at: t0, import1: "1"})
			g, err := f.ledger.CreateGroup(f.ctx, bob, m.ID, meter.GroupInput{Name: "Closed", AllowInvite: boolPtr(false)})
			Expect(err).NotTo(HaveOccurred())
			Expect(g.AllowInvite).To(BeFalse())

			var stored meter.Group
			Expect(f.db.Take(&stored, g.ID).Error).To(Succeed())
			Expect(stored.AllowInvite).To(BeFalse())

			carol := f.user("carol")
			carolM, _ := f.ingest(carol, sample{sn: "C1", at: t0, import1: "1"})
			_, err = f.ledger.Join(f.ctx, carol, carolM.ID, g.ID, g.InvitationKey, "")
			expectFieldError(err, "invitation_key")
		})

		It("should open invites by default", func() {
			m, _ := f.ingest(bob, sample{sn: "B2", at: t0, import1: "1"})
			g, err := f.ledger.CreateGroup(f.ctx, bob, m.ID, meter.GroupInput{Name: "Open"})
			Expect(err).NotTo(HaveOccurred())
			Expect(g.AllowInvite).To(BeTrue())
		})

		It("should slugify a requested public key", func() {
			m, _ := f.ingest(bob, sample{sn: "B2", at: t0, import1: "1"})
			g, err := f.ledger.CreateGroup(f.ctx, bob, m.ID, meter.GroupInput{Name: "Open", PublicKey: "Our Street!"})
			Expect(err).NotTo(HaveOccurred())
			Expect(g.PublicKey).To(Equal("our-street"))
		})

		It("should require a name", func() {
			m, _ := f.ingest(bob, sample{sn: "B2", at: t0, import1: "1"})
			_, err := f.ledger.CreateGroup(f.ctx, bob, m.ID, meter.GroupInput{Name: "  "})
			expectFieldError(err, "name")
		})

		It("should count the name limit in characters", func() {
			m, _ := f.ingest(bob, sample{sn: "B2", at: t0, import1: "1"})
			name := strings.Repeat("é", 50)
			g, err := f.ledger.CreateGroup(f.ctx, bob, m.ID, meter.GroupInput{Name: name, Summary: strings.Repeat("ü", 1000)})
			Expect(err).NotTo(HaveOccurred())
			Expect(g.Name).To(Equal(name))

			_, err = f.ledger.UpdateGroup(f.ctx, g.ID, bob, meter.GroupUpdate{Name: strPtr(strings.Repeat("é", 51))})
			expectFieldError(err, "name")
		})
	})

	Describe("Join", func() {
		It("should capture the baseline from the meter snapshot", func() {
			p, err := f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, group.InvitationKey, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Active()).To(BeTrue())
			Expect(p.DisplayName).To(Equal(bobM.Name))
			Expect(fixed(p.PowerImportJoined)).To(Equal("300.000"))
			Expect(fixed(p.GasJoined.Decimal)).To(Equal("50.000"))
		})

		It("should reject a wrong secret", func() {
			_, err := f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, "not-the-key", "")
			expectFieldError(err, "invitation_key")
		})

		It("should reject joins when invites are disabled", func() {
			_, err := f.ledger.UpdateGroup(f.ctx, group.ID, alice, meter.GroupUpdate{AllowInvite: boolPtr(false)})
			Expect(err).NotTo(HaveOccurred())

			_, err = f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, group.InvitationKey, "")
			expectFieldError(err, "invitation_key")
		})

		It("should reject a meter that is already active elsewhere", func() {
			_, err := f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, group.InvitationKey, "")
			Expect(err).NotTo(HaveOccurred())

			_, err = f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, group.InvitationKey, "")
			expectFieldError(err, "meter")
		})

		It("should cap a group at ten active participants", func() {
			for i := 2; i <= meter.MaxParticipants; i++ {
				u := f.user(fmt.Sprintf("member%d", i))
				m, _ := f.ingest(u, sample{sn: fmt.Sprintf("M%d", i), at: t0, import1: "1"})
				_, err := f.ledger.Join(f.ctx, u, m.ID, group.ID, group.InvitationKey, "")
				Expect(err).NotTo(HaveOccurred(), "join %d", i)
			}

			_, err := f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, group.InvitationKey, "")
			expectFieldError(err, "group")
		})

		It("should allow rejoining after leaving", func() {
			p, err := f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, group.InvitationKey, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = f.ledger.Leave(f.ctx, p.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, group.InvitationKey, "back again")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("contribution accounting", func() {
		It("should count usage since joining and freeze it on leave", func() {
			p, err := f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, group.InvitationKey, "Bob")
			Expect(err).NotTo(HaveOccurred())

			f.clock.Advance(10 * time.Minute)
			f.ingest(bob, sample{sn: "B1", at: t0.Add(10 * time.Minute), import1: "305", gas: "65"})

			p, err = f.store.Participation(f.ctx, bob.ID, p.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(fixed(meter.TotalGas(p))).To(Equal("15.000"))
			Expect(fixed(meter.TotalImport(p))).To(Equal("5.000"))

			p, err = f.ledger.Leave(f.ctx, p.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Active()).To(BeFalse())
			Expect(fixed(p.GasLeft.Decimal)).To(Equal("65.000"))

			f.clock.Advance(10 * time.Minute)
			f.ingest(bob, sample{sn: "B1", at: t0.Add(20 * time.Minute), import1: "310", gas: "80"})

			p, err = f.store.Participation(f.ctx, bob.ID, p.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(fixed(p.Meter.TotalGas.Decimal)).To(Equal("80.000"))
			Expect(fixed(meter.TotalGas(p))).To(Equal("15.000"))
			Expect(fixed(meter.TotalImport(p))).To(Equal("5.000"))
		})
	})

	Describe("Leave", func() {
		It("should reject leaving twice", func() {
			p, err := f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, group.InvitationKey, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = f.ledger.Leave(f.ctx, p.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = f.ledger.Leave(f.ctx, p.ID)
			expectFieldError(err, "")
		})

		It("should keep the manager in the group", func() {
			_, err := f.ledger.Leave(f.ctx, group.Participants[0].ID)
			expectFieldError(err, "")
		})

		It("should report unknown participants as not found", func() {
			_, err := f.ledger.Leave(f.ctx, 9999)
			Expect(err).To(MatchError(meter.ErrNotFound))
		})
	})

	Describe("RenameParticipant", func() {
		It("should rename an active participant", func() {
			p, err := f.ledger.RenameParticipant(f.ctx, group.Participants[0].ID, "Alice's roof")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.DisplayName).To(Equal("Alice's roof"))
		})

		It("should count the display name limit in characters", func() {
			id := group.Participants[0].ID
			p, err := f.ledger.RenameParticipant(f.ctx, id, strings.Repeat("é", 30))
			Expect(err).NotTo(HaveOccurred())
			Expect(p.DisplayName).To(Equal(strings.Repeat("é", 30)))

			_, err = f.ledger.RenameParticipant(f.ctx, id, strings.Repeat("é", 31))
			expectFieldError(err, "display_name")
		})

		It("should reject renaming after leaving", func() {
			p, err := f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, group.InvitationKey, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = f.ledger.Leave(f.ctx, p.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = f.ledger.RenameParticipant(f.ctx, p.ID, "Gone")
			expectFieldError(err, "")
		})
	})

	Describe("UpdateGroup", func() {
		It("should only accept changes from the manager", func() {
			_, err := f.ledger.UpdateGroup(f.ctx, group.ID, bob, meter.GroupUpdate{Name: strPtr("Mine")})
			Expect(meter.IsPermission(err)).To(BeTrue())
		})

		It("should update the editable fields", func() {
			g, err := f.ledger.UpdateGroup(f.ctx, group.ID, alice, meter.GroupUpdate{
				Name:    strPtr("Maanstraat"),
				Summary: strPtr("Renamed"),
				Public:  boolPtr(true),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(g.Name).To(Equal("Maanstraat"))
			Expect(g.Summary).To(Equal("Renamed"))
			Expect(g.Public).To(BeTrue())
		})

		It("should rotate the invitation key", func() {
			g, err := f.ledger.UpdateGroup(f.ctx, group.ID, alice, meter.GroupUpdate{RotateInvitation: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(g.InvitationKey).NotTo(Equal(group.InvitationKey))

			_, err = f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, group.InvitationKey, "")
			expectFieldError(err, "invitation_key")
		})

		It("should regenerate a blank public key", func() {
			g, err := f.ledger.UpdateGroup(f.ctx, group.ID, alice, meter.GroupUpdate{PublicKey: strPtr("")})
			Expect(err).NotTo(HaveOccurred())
			Expect(g.PublicKey).NotTo(BeEmpty())
			Expect(g.PublicKey).NotTo(Equal(group.PublicKey))
		})

		It("should reject a public key used by another group", func() {
			m, _ := f.ingest(bob, sample{sn: "B2", at: t0, import1: "1"})
			_, err := f.ledger.CreateGroup(f.ctx, bob, m.ID, meter.GroupInput{Name: "Other", PublicKey: "taken"})
			Expect(err).NotTo(HaveOccurred())

			_, err = f.ledger.UpdateGroup(f.ctx, group.ID, alice, meter.GroupUpdate{PublicKey: strPtr("taken")})
			expectFieldError(err, "public_key")
		})

		It("should hand over to an active participant only", func() {
			_, err := f.ledger.UpdateGroup(f.ctx, group.ID, alice, meter.GroupUpdate{ManagerID: &bob.ID})
			expectFieldError(err, "manager")

			_, err = f.ledger.Join(f.ctx, bob, bobM.ID, group.ID, group.InvitationKey, "")
			Expect(err).NotTo(HaveOccurred())

			g, err := f.ledger.UpdateGroup(f.ctx, group.ID, alice, meter.GroupUpdate{ManagerID: &bob.ID})
			Expect(err).NotTo(HaveOccurred())
			Expect(g.ManagerID).To(Equal(bob.ID))
		})
	})

	Describe("DeleteGroup", func() {
		It("should remove the group and its participants", func() {
			Expect(f.ledger.DeleteGroup(f.ctx, group.ID, alice)).To(Succeed())
			Expect(f.count(&meter.Group{})).To(BeZero())
			Expect(f.count(&meter.Participant{})).To(BeZero())
		})

		It("should refuse other users", func() {
			err := f.ledger.DeleteGroup(f.ctx, group.ID, bob)
			Expect(meter.IsPermission(err)).To(BeTrue())
		})
	})

	Describe("group lookups", func() {
		It("should hide private groups from the public path", func() {
			_, err := f.store.PublicGroup(f.ctx, group.PublicKey)
			Expect(err).To(MatchError(meter.ErrNotFound))

			_, err = f.ledger.UpdateGroup(f.ctx, group.ID, alice, meter.GroupUpdate{Public: boolPtr(true)})
			Expect(err).NotTo(HaveOccurred())
			g, err := f.store.PublicGroup(f.ctx, group.PublicKey)
			Expect(err).NotTo(HaveOccurred())
			Expect(g.ID).To(Equal(group.ID))
		})

		It("should resolve invitations while invites are open", func() {
			g, err := f.store.InviteInfo(f.ctx, group.InvitationKey)
			Expect(err).NotTo(HaveOccurred())
			Expect(g.ID).To(Equal(group.ID))

			_, err = f.ledger.UpdateGroup(f.ctx, group.ID, alice, meter.GroupUpdate{AllowInvite: boolPtr(false)})
			Expect(err).NotTo(HaveOccurred())
			_, err = f.store.InviteInfo(f.ctx, group.InvitationKey)
			Expect(err).To(MatchError(meter.ErrNotFound))
		})

		It("should list the groups of a user", func() {
			groups, err := f.store.UserGroups(f.ctx, alice.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(1))

			groups, err = f.store.UserGroups(f.ctx, bob.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(BeEmpty())
		})
	})
})
