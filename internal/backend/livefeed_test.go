package backend_test

import (
	"context"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"procodus.dev/smartmeter/internal/backend"
	"procodus.dev/smartmeter/internal/meter"
	"procodus.dev/smartmeter/pkg/livefeed"
)

const liveToken = "s3cret"

var _ = Describe("LiveFeedService", func() {
	var d *domain

	BeforeEach(func() {
		d = newDomain()
	})

	Describe("NewLiveFeedService", func() {
		It("should create a service", func() {
			service, err := backend.NewLiveFeedService(newLogger(), d.store, liveToken, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(service).NotTo(BeNil())
		})

		It("should return error when logger is nil", func() {
			_, err := backend.NewLiveFeedService(nil, d.store, liveToken, nil)
			Expect(err).To(MatchError("logger cannot be nil"))
		})

		It("should return error when store is nil", func() {
			_, err := backend.NewLiveFeedService(newLogger(), nil, liveToken, nil)
			Expect(err).To(MatchError("store cannot be nil"))
		})

		It("should require a token", func() {
			_, err := backend.NewLiveFeedService(newLogger(), d.store, "", nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("over gRPC", func() {
		var (
			ctx     context.Context
			conn    *grpc.ClientConn
			groupID uint
		)

		dial := func(token string) *livefeed.Client {
			client, err := livefeed.NewClient(conn, token)
			Expect(err).NotTo(HaveOccurred())
			return client
		}

		BeforeEach(func() {
			ctx = context.Background()

			service, err := backend.NewLiveFeedService(newLogger(), d.store, liveToken, nil)
			Expect(err).NotTo(HaveOccurred())

			lis := bufconn.Listen(1 << 20)
			server := grpc.NewServer()
			livefeed.RegisterServer(server, service)
			go func() { _ = server.Serve(lis) }()
			DeferCleanup(server.Stop)

			conn, err = grpc.NewClient("passthrough:///bufnet",
				grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
					return lis.DialContext(ctx)
				}),
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(conn.Close)

			alice := d.user("alice")
			payload := &meter.Payload{Power: &meter.PowerPayload{
				SN: "E1", Timestamp: "now",
				Import1: "100", Import2: "0", Export1: "0", Export2: "0",
				Tariff: "1", ActualImport: "0.5", ActualExport: "0.1",
			}}
			m, _, err := d.engine.Ingest(ctx, *alice, payload, "GPXCONN/2.1.0")
			Expect(err).NotTo(HaveOccurred())

			g, err := d.ledger.CreateGroup(ctx, *alice, m.ID, meter.GroupInput{Name: "Our Street"})
			Expect(err).NotTo(HaveOccurred())
			groupID = g.ID
		})

		It("should reject calls without a token", func() {
			_, err := dial("").LiveData(ctx, []uint{groupID})
			Expect(status.Code(err)).To(Equal(codes.Unauthenticated))
		})

		It("should reject a wrong token", func() {
			_, err := dial("wrong").LiveData(ctx, []uint{groupID})
			Expect(status.Code(err)).To(Equal(codes.PermissionDenied))
		})

		It("should serve the live groups", func() {
			groups, err := dial(liveToken).LiveData(ctx, []uint{groupID, groupID + 100})
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(1))
			Expect(groups[0].ID).To(Equal(groupID))
			Expect(groups[0].ActualPower).To(Equal("-0.400"))
			Expect(groups[0].TotalImport).To(Equal("0.000"))
			Expect(groups[0].Recent).To(HaveLen(1))
		})
	})
})
