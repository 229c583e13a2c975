package core_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/amd64sim/timing/core"
)

var _ = Describe("BranchPredictor", func() {
	var bp *core.BranchPredictor

	BeforeEach(func() {
		bp = core.NewBranchPredictor(core.BranchPredictorConfig{BHTSize: 16, BTBSize: 8})
	})

	It("should initially predict taken without a target", func() {
		pred := bp.Predict(0x401003)
		Expect(pred.Taken).To(BeTrue())
		Expect(pred.TargetKnown).To(BeFalse())
		Expect(bp.Stats().BTBMisses).To(Equal(uint64(1)))
	})

	It("should learn a taken branch and its target", func() {
		for i := 0; i < 3; i++ {
			bp.Update(0x401003, true, 0x400ff0)
		}

		pred := bp.Predict(0x401003)
		Expect(pred.Taken).To(BeTrue())
		Expect(pred.TargetKnown).To(BeTrue())
		Expect(pred.Target).To(Equal(uint64(0x400ff0)))
	})

	DescribeTable("should steer fetch from the prediction",
		func(pred core.Prediction, want uint64) {
			Expect(pred.NextPC(0x401005)).To(Equal(want))
		},
		Entry("taken with a known target", core.Prediction{Taken: true, Target: 0x400ff0, TargetKnown: true}, uint64(0x400ff0)),
		Entry("taken with an unknown target", core.Prediction{Taken: true}, uint64(0x401005)),
		Entry("not taken", core.Prediction{Target: 0x400ff0, TargetKnown: true}, uint64(0x401005)),
	)

	It("should require two wrong outcomes to flip a saturated counter", func() {
		pc := uint64(0x401007)
		bp.Update(pc, true, 0x402000)
		bp.Update(pc, true, 0x402000)

		bp.Update(pc, false, 0)
		Expect(bp.Predict(pc).Taken).To(BeTrue())
		bp.Update(pc, false, 0)
		Expect(bp.Predict(pc).Taken).To(BeFalse())
	})

	It("should not confuse BTB entries of aliasing branches", func() {
		bp.Update(0x1000, true, 0x2000)
		Expect(bp.Predict(0x1008).TargetKnown).To(BeFalse())
	})

	It("should count a BTB miss on a taken branch as a misprediction", func() {
		pred := bp.Predict(0x1000)
		Expect(bp.Resolve(0x1000, 0x1002, 0x2000, pred)).To(BeFalse())

		pred = bp.Predict(0x1000)
		Expect(bp.Resolve(0x1000, 0x1002, 0x2000, pred)).To(BeTrue())
	})

	It("should count a wrong direction as a misprediction", func() {
		bp.Update(0x1000, true, 0x2000)

		pred := bp.Predict(0x1000)
		Expect(bp.Resolve(0x1000, 0x1002, 0x1002, pred)).To(BeFalse())
	})

	It("should track accuracy", func() {
		Expect(bp.Stats().Accuracy()).To(BeZero())

		bp.Resolve(0x1000, 0x1002, 0x2000, bp.Predict(0x1000))
		bp.Resolve(0x1000, 0x1002, 0x2000, bp.Predict(0x1000))

		stats := bp.Stats()
		Expect(stats.Predictions).To(Equal(uint64(2)))
		Expect(stats.Correct).To(Equal(uint64(1)))
		Expect(stats.Mispredictions).To(Equal(uint64(1)))
		Expect(stats.Accuracy()).To(Equal(50.0))
	})

	It("should clear state on reset", func() {
		bp.Resolve(0x1000, 0x1002, 0x1002, bp.Predict(0x1000))
		bp.Update(0x1000, false, 0)
		bp.Reset()

		Expect(bp.Predict(0x1000).Taken).To(BeTrue())
		Expect(bp.Stats().Mispredictions).To(BeZero())
	})
})
