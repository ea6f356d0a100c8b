package video_test

import (
	"bytes"
	"encoding/base64"
	"image"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/video"
)

var _ = Describe("Image preparation", func() {
	Describe("DecodeImage", func() {
		It("should accept a data URI", func() {
			raw, err := video.DecodeImage("data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("abc")))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(raw)).To(Equal("abc"))
		})

		It("should accept unpadded base64", func() {
			raw, err := video.DecodeImage(base64.RawStdEncoding.EncodeToString([]byte("abcd")))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(raw)).To(Equal("abcd"))
		})

		DescribeTable("should reject",
			func(input string) {
				_, err := video.DecodeImage(input)
				Expect(err).To(MatchError(internal.ErrInvalidImage))
			},
			Entry("empty input", ""),
			Entry("data URI without payload", "data:image/png;base64,"),
			Entry("non base64", "%%%not-base64%%%"),
		)
	})

	Describe("PrepareImage", func() {
		It("should fit large images within the limit and keep the aspect ratio", func() {
			raw, err := base64.StdEncoding.DecodeString(testImage(400, 200))
			Expect(err).ToNot(HaveOccurred())

			out, err := video.PrepareImage(raw, 100)

			Expect(err).ToNot(HaveOccurred())
			cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
			Expect(err).ToNot(HaveOccurred())
			Expect(format).To(Equal("jpeg"))
			Expect(cfg.Width).To(Equal(100))
			Expect(cfg.Height).To(Equal(50))
		})

		It("should leave small images at their size", func() {
			raw, err := base64.StdEncoding.DecodeString(testImage(40, 30))
			Expect(err).ToNot(HaveOccurred())

			out, err := video.PrepareImage(raw, 0)

			Expect(err).ToNot(HaveOccurred())
			cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Width).To(Equal(40))
			Expect(cfg.Height).To(Equal(30))
		})

		It("should reject bytes that are not an image", func() {
			_, err := video.PrepareImage([]byte("plain text"), 0)
			Expect(err).To(MatchError(internal.ErrInvalidImage))
		})
	})
})
